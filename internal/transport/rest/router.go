package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/metrics"
	"github.com/shoply/commerce/services/engagement-service/internal/security"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// Shared fixed-window limit; zero values disable it.
	RateLimit       int
	RateLimitWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.Cache != nil && d.RateLimit > 0 {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(d.Verifier, IdentityOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Route("/products/{productID}", func(r chi.Router) {
			// public read
			r.Get("/stats", d.Handler.Stats)

			// views accept anonymous identities; keep a tighter in-process
			// limit here since they are the high-volume write
			r.With(RequireIdentity, httprate.LimitByIP(60, time.Minute)).
				Post("/views", d.Handler.RecordView)

			// account-only writes
			r.With(RequireAccount).Post("/like", d.Handler.ToggleLike)
			r.With(RequireAccount).Put("/review", d.Handler.SubmitReview)
		})

		r.With(RequireIdentity).Get("/me/engagement", d.Handler.MyEngagement)
	})

	return r
}
