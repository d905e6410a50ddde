package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	viewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_views_total",
			Help: "View recordings by debounce outcome",
		},
		[]string{"outcome"}, // accepted | suppressed
	)

	likeTogglesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_like_toggles_total",
			Help: "Like toggles by resulting state",
		},
		[]string{"liked"}, // true | false
	)

	reviewsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_reviews_total",
			Help: "Accepted review submissions (including replacements)",
		},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_rejections_total",
			Help: "Requests rejected before mutation",
		},
		[]string{"reason"}, // auth_required | invalid_rating | rate_limited | conflict
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engagement_store_op_duration_seconds",
			Help:    "Engagement store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"op"},
	)
)

func RecordView(accepted bool) {
	if accepted {
		viewsTotal.WithLabelValues("accepted").Inc()
	} else {
		viewsTotal.WithLabelValues("suppressed").Inc()
	}
}

func RecordLikeToggle(liked bool) {
	if liked {
		likeTogglesTotal.WithLabelValues("true").Inc()
	} else {
		likeTogglesTotal.WithLabelValues("false").Inc()
	}
}

func RecordReview() {
	reviewsTotal.Inc()
}

func RecordRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveStoreOp(op string, d time.Duration) {
	storeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
