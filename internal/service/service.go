package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/metrics"
	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
)

// EngagementService enforces engagement policy (who may do what, what counts
// as a valid rating) and debounces view recording. All authoritative state
// changes go through the injected store; the marker store is ephemeral
// working state owned by the caller, never a package-level singleton.
type EngagementService struct {
	store    domain.EngagementStore
	markers  domain.ViewMarkerStore
	cooldown time.Duration
}

func NewEngagementService(store domain.EngagementStore, markers domain.ViewMarkerStore, cooldown time.Duration) *EngagementService {
	return &EngagementService{store: store, markers: markers, cooldown: cooldown}
}

// ToggleLike flips the liked flag for (identity, product) and returns the
// canonical state. Likes require an authenticated identity; anonymous
// attempts are rejected before reaching the store.
func (s *EngagementService) ToggleLike(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID) (domain.ToggleResult, error) {
	if !id.Authenticated() {
		metrics.RecordRejection("auth_required")
		return domain.ToggleResult{}, domain.ErrAuthRequired
	}

	start := time.Now()
	res, err := s.store.ToggleLike(ctx, traceID, idempotencyKey, id, productID)
	if err != nil {
		return domain.ToggleResult{}, err
	}
	metrics.ObserveStoreOp("toggle_like", time.Since(start))
	metrics.RecordLikeToggle(res.Liked)
	return res, nil
}

// RecordView counts one view per (identity, product) per cooldown window.
// Works for anonymous and authenticated identities alike. Marker-store
// failures fail open: an occasional over-count is preferred over dropping
// views when redis is unhealthy.
func (s *EngagementService) RecordView(ctx context.Context, id domain.Identity, productID uuid.UUID) (domain.ViewResult, error) {
	if id.Zero() {
		return domain.ViewResult{}, domain.ErrAuthRequired
	}

	key := id.Key() + "|" + productID.String()
	ok, err := s.markers.Acquire(ctx, key, s.cooldown)
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Msg("view marker acquire failed; counting anyway")
		ok = true
	}
	if !ok {
		metrics.RecordView(false)
		return domain.ViewResult{Accepted: false}, nil
	}

	count, err := s.store.RecordView(ctx, id, productID)
	if err != nil {
		// Let a retry within the window still count.
		if relErr := s.markers.Release(ctx, key); relErr != nil {
			logger.WithCtx(ctx).Warn().Err(relErr).Msg("view marker release failed")
		}
		return domain.ViewResult{}, err
	}

	metrics.RecordView(true)
	return domain.ViewResult{Accepted: true, ViewCount: count}, nil
}

// SubmitReview folds a rating into the product's running mean. One review
// per identity per product; a resubmission replaces the prior contribution.
// Invalid ratings are rejected before any mutation.
func (s *EngagementService) SubmitReview(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID, rating int, comment *string) (domain.ReviewResult, error) {
	if !id.Authenticated() {
		metrics.RecordRejection("auth_required")
		return domain.ReviewResult{}, domain.ErrAuthRequired
	}
	if !domain.ValidRating(rating) {
		metrics.RecordRejection("invalid_rating")
		return domain.ReviewResult{}, domain.ErrInvalidRating
	}

	start := time.Now()
	res, err := s.store.SubmitReview(ctx, traceID, idempotencyKey, id, productID, rating, comment)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	metrics.ObserveStoreOp("submit_review", time.Since(start))
	metrics.RecordReview()
	return res, nil
}

func (s *EngagementService) GetEngagement(ctx context.Context, id domain.Identity) (domain.EngagementRecord, error) {
	if id.Zero() {
		return domain.EngagementRecord{}, domain.ErrAuthRequired
	}
	return s.store.GetEngagement(ctx, id)
}

func (s *EngagementService) GetAggregate(ctx context.Context, productID uuid.UUID) (domain.ProductAggregate, error) {
	return s.store.GetAggregate(ctx, productID)
}
