package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	pkgctx "github.com/shoply/commerce/services/engagement-service/internal/pkg/context"
)

// Logger provides structured audit logging for engagement events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// LikeToggled logs a like flip together with the resulting state
func (l *Logger) LikeToggled(ctx context.Context, productID uuid.UUID, identityKey string, liked bool, idempotencyKey string) {
	l.log.Info().
		Str("action", "like_toggled").
		Str("product_id", productID.String()).
		Str("identity", identityKey).
		Bool("liked", liked).
		Str("idempotency_key", idempotencyKey).
		Str("trace_id", pkgctx.GetRequestID(ctx)).
		Msg("Like toggled")
}

// ReviewSubmitted logs an accepted review (initial or replacement)
func (l *Logger) ReviewSubmitted(ctx context.Context, productID uuid.UUID, identityKey string, rating int, idempotencyKey string) {
	l.log.Info().
		Str("action", "review_submitted").
		Str("product_id", productID.String()).
		Str("identity", identityKey).
		Int("rating", rating).
		Str("idempotency_key", idempotencyKey).
		Str("trace_id", pkgctx.GetRequestID(ctx)).
		Msg("Review submitted")
}

// ViewRecorded logs accepted views at debug; they are high volume
func (l *Logger) ViewRecorded(ctx context.Context, productID uuid.UUID, identityKey string) {
	l.log.Debug().
		Str("action", "view_recorded").
		Str("product_id", productID.String()).
		Str("identity", identityKey).
		Str("trace_id", pkgctx.GetRequestID(ctx)).
		Msg("View recorded")
}

// ProductPurged logs removal of all engagement rows for a deleted product
func (l *Logger) ProductPurged(ctx context.Context, productID uuid.UUID, reason string) {
	l.log.Warn().
		Str("action", "product_purged").
		Str("product_id", productID.String()).
		Str("reason", reason).
		Str("trace_id", pkgctx.GetRequestID(ctx)).
		Msg("Product engagement purged")
}
