package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shoply/commerce/services/engagement-service/internal/contracts/event"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
)

const (
	rkLikeToggled     = "engagement.like_toggled"
	rkReviewSubmitted = "engagement.review_submitted"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same product_id):
//   1) product_aggregates row (FOR UPDATE)
//   2) per-(identity,product) row (likes or reviews) if needed (FOR UPDATE)
// This prevents cycles between ToggleLike/SubmitReview/Consumer(product.deleted).
//
// Serialization failures (40001) and deadlocks (40P01) are retried once;
// a second failure surfaces as domain.ErrConflict.
// -------------------------

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// checkIdempotencyKey inserts the key or verifies the stored payload.
// Returns replay=true when the key already exists for the same
// (identity, product, action); the caller must then return the current
// canonical state without mutating.
func checkIdempotencyKey(ctx context.Context, tx pgx.Tx, key, identityKey string, productID uuid.UUID, action string) (replay bool, err error) {
	var insertedKey string
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, identity_key, product_id, action, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, identityKey, productID, action).Scan(&insertedKey)

	if errors.Is(err, pgx.ErrNoRows) {
		// Key exists. Verify payload.
		var existIdentity, existAction string
		var existProduct uuid.UUID
		err := tx.QueryRow(ctx, `SELECT identity_key, product_id, action FROM idempotency_keys WHERE key = $1`, key).
			Scan(&existIdentity, &existProduct, &existAction)
		if err != nil {
			return false, err
		}
		if existIdentity != identityKey || existProduct != productID || existAction != action {
			return false, domain.ErrIdempotencyKeyMismatch
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// lockAggregate locks the counter row, creating it lazily on first mutation.
func lockAggregate(ctx context.Context, tx pgx.Tx, productID uuid.UUID) (likeCount, viewCount uint64, ratingSum float64, ratingCount uint64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT like_count, view_count, rating_sum, rating_count
		FROM product_aggregates
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&likeCount, &viewCount, &ratingSum, &ratingCount)
	if errors.Is(err, pgx.ErrNoRows) {
		_, _ = tx.Exec(ctx, `
			INSERT INTO product_aggregates (product_id, like_count, view_count, rating_sum, rating_count, created_at, updated_at)
			VALUES ($1, 0, 0, 0, 0, NOW(), NOW())
			ON CONFLICT (product_id) DO NOTHING
		`, productID)
		err = tx.QueryRow(ctx, `
			SELECT like_count, view_count, rating_sum, rating_count
			FROM product_aggregates
			WHERE product_id = $1
			FOR UPDATE
		`, productID).Scan(&likeCount, &viewCount, &ratingSum, &ratingCount)
	}
	return likeCount, viewCount, ratingSum, ratingCount, err
}

func (r *Repository) ToggleLike(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID) (domain.ToggleResult, error) {
	res, err := r.toggleLikeOnce(ctx, traceID, idempotencyKey, id, productID)
	if retryable(err) {
		res, err = r.toggleLikeOnce(ctx, traceID, idempotencyKey, id, productID)
		if retryable(err) {
			return domain.ToggleResult{}, domain.ErrConflict
		}
	}
	return res, err
}

func (r *Repository) toggleLikeOnce(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID) (domain.ToggleResult, error) {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	identityKey := id.Key()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ToggleResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 0) Idempotency check
	if idempotencyKey != "" {
		replay, err := checkIdempotencyKey(ctx, tx, idempotencyKey, identityKey, productID, "like_toggle")
		if err != nil {
			return domain.ToggleResult{}, err
		}
		if replay {
			// Duplicate delivery: report the canonical state, no second flip.
			res, err := r.currentLikeState(ctx, tx, identityKey, productID)
			if err != nil {
				return domain.ToggleResult{}, err
			}
			return res, tx.Commit(ctx)
		}
	}

	// 1) Lock the aggregate FIRST (global lock for this product_id)
	likeCount, _, _, _, err := lockAggregate(ctx, tx, productID)
	if err != nil {
		return domain.ToggleResult{}, err
	}

	// 2) Lock (identity, product) like row second
	var liked bool
	err = tx.QueryRow(ctx, `
		SELECT liked
		FROM engagement_likes
		WHERE identity_key = $1 AND product_id = $2
		FOR UPDATE
	`, identityKey, productID).Scan(&liked)

	if err == nil {
		liked = !liked
		_, err = tx.Exec(ctx, `
			UPDATE engagement_likes
			SET liked = $3, updated_at = NOW()
			WHERE identity_key = $1 AND product_id = $2
		`, identityKey, productID, liked)
	} else if errors.Is(err, pgx.ErrNoRows) {
		liked = true
		_, err = tx.Exec(ctx, `
			INSERT INTO engagement_likes (identity_key, product_id, liked, created_at, updated_at)
			VALUES ($1, $2, TRUE, NOW(), NOW())
		`, identityKey, productID)
	}
	if err != nil {
		return domain.ToggleResult{}, err
	}

	// 3) Counter (same tx, aggregate row already locked)
	if liked {
		likeCount++
	} else if likeCount > 0 {
		likeCount--
	}
	_, err = tx.Exec(ctx, `
		UPDATE product_aggregates
		SET like_count = $2, updated_at = NOW()
		WHERE product_id = $1
	`, productID, likeCount)
	if err != nil {
		return domain.ToggleResult{}, err
	}

	// 4) Outbox
	payload, _ := json.Marshal(event.LikeToggledPayload{
		ProductID:   productID,
		IdentityKey: identityKey,
		Liked:       liked,
		LikeCount:   likeCount,
	})
	_, _ = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status) VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
		uuid.New(), traceID, rkLikeToggled, payload,
	)

	if err := tx.Commit(ctx); err != nil {
		return domain.ToggleResult{}, err
	}
	return domain.ToggleResult{Liked: liked, LikeCount: likeCount}, nil
}

func (r *Repository) currentLikeState(ctx context.Context, tx pgx.Tx, identityKey string, productID uuid.UUID) (domain.ToggleResult, error) {
	var res domain.ToggleResult
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(l.liked, FALSE), a.like_count
		FROM product_aggregates a
		LEFT JOIN engagement_likes l ON l.product_id = a.product_id AND l.identity_key = $1
		WHERE a.product_id = $2
	`, identityKey, productID).Scan(&res.Liked, &res.LikeCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ToggleResult{}, nil
	}
	return res, err
}

func (r *Repository) RecordView(ctx context.Context, id domain.Identity, productID uuid.UUID) (uint64, error) {
	count, err := r.recordViewOnce(ctx, id, productID)
	if retryable(err) {
		count, err = r.recordViewOnce(ctx, id, productID)
		if retryable(err) {
			return 0, domain.ErrConflict
		}
	}
	return count, err
}

func (r *Repository) recordViewOnce(ctx context.Context, id domain.Identity, productID uuid.UUID) (uint64, error) {
	identityKey := id.Key()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, viewCount, _, _, err := lockAggregate(ctx, tx, productID)
	if err != nil {
		return 0, err
	}
	viewCount++

	_, err = tx.Exec(ctx, `
		UPDATE product_aggregates
		SET view_count = $2, updated_at = NOW()
		WHERE product_id = $1
	`, productID, viewCount)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO engagement_views (identity_key, product_id, first_viewed_at, last_viewed_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (identity_key, product_id) DO UPDATE
		SET last_viewed_at = NOW()
	`, identityKey, productID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return viewCount, nil
}

func (r *Repository) SubmitReview(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID, rating int, comment *string) (domain.ReviewResult, error) {
	res, err := r.submitReviewOnce(ctx, traceID, idempotencyKey, id, productID, rating, comment)
	if retryable(err) {
		res, err = r.submitReviewOnce(ctx, traceID, idempotencyKey, id, productID, rating, comment)
		if retryable(err) {
			return domain.ReviewResult{}, domain.ErrConflict
		}
	}
	return res, err
}

func (r *Repository) submitReviewOnce(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID, rating int, comment *string) (domain.ReviewResult, error) {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	identityKey := id.Key()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 0) Idempotency check
	if idempotencyKey != "" {
		replay, err := checkIdempotencyKey(ctx, tx, idempotencyKey, identityKey, productID, "review")
		if err != nil {
			return domain.ReviewResult{}, err
		}
		if replay {
			var res domain.ReviewResult
			var sum float64
			err := tx.QueryRow(ctx, `
				SELECT rating_sum, rating_count FROM product_aggregates WHERE product_id = $1
			`, productID).Scan(&sum, &res.ReviewCount)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return domain.ReviewResult{}, err
			}
			if res.ReviewCount > 0 {
				res.AverageRating = sum / float64(res.ReviewCount)
			}
			return res, tx.Commit(ctx)
		}
	}

	// 1) Lock the aggregate FIRST
	_, _, ratingSum, ratingCount, err := lockAggregate(ctx, tx, productID)
	if err != nil {
		return domain.ReviewResult{}, err
	}

	// 2) Lock (identity, product) review row second
	var oldRating int
	err = tx.QueryRow(ctx, `
		SELECT rating
		FROM engagement_reviews
		WHERE identity_key = $1 AND product_id = $2
		FOR UPDATE
	`, identityKey, productID).Scan(&oldRating)

	if err == nil {
		// Resubmission replaces the prior contribution; count stays.
		ratingSum += float64(rating - oldRating)
		_, err = tx.Exec(ctx, `
			UPDATE engagement_reviews
			SET rating = $3, comment = $4, updated_at = NOW()
			WHERE identity_key = $1 AND product_id = $2
		`, identityKey, productID, rating, comment)
	} else if errors.Is(err, pgx.ErrNoRows) {
		ratingSum += float64(rating)
		ratingCount++
		_, err = tx.Exec(ctx, `
			INSERT INTO engagement_reviews (identity_key, product_id, rating, comment, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW(), NOW())
		`, identityKey, productID, rating, comment)
	}
	if err != nil {
		return domain.ReviewResult{}, err
	}

	// 3) Counters
	_, err = tx.Exec(ctx, `
		UPDATE product_aggregates
		SET rating_sum = $2, rating_count = $3, updated_at = NOW()
		WHERE product_id = $1
	`, productID, ratingSum, ratingCount)
	if err != nil {
		return domain.ReviewResult{}, err
	}

	// 4) Outbox
	payload, _ := json.Marshal(event.ReviewSubmittedPayload{
		ProductID:   productID,
		IdentityKey: identityKey,
		Rating:      rating,
		RatingSum:   ratingSum,
		RatingCount: ratingCount,
	})
	_, _ = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status) VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
		uuid.New(), traceID, rkReviewSubmitted, payload,
	)

	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewResult{}, err
	}

	res := domain.ReviewResult{ReviewCount: ratingCount}
	if ratingCount > 0 {
		res.AverageRating = ratingSum / float64(ratingCount)
	}
	return res, nil
}

func (r *Repository) EnsureAggregate(ctx context.Context, productID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO product_aggregates (product_id, like_count, view_count, rating_sum, rating_count, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (product_id) DO NOTHING
	`, productID)
	return err
}

// EnsureAggregateTx is used by the RabbitMQ snapshot consumer when it wants atomic tx with ProcessOnce.
func (r *Repository) EnsureAggregateTx(ctx context.Context, tx pgx.Tx, productID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO product_aggregates (product_id, like_count, view_count, rating_sum, rating_count, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (product_id) DO NOTHING
	`, productID)
	return err
}

func (r *Repository) PurgeProduct(ctx context.Context, traceID string, productID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.PurgeProductTx(ctx, tx, traceID, productID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PurgeProductTx is called from the consumer inside a ProcessOnce(...) transaction.
// IMPORTANT: do not call ProcessOnce here; caller already did it.
func (r *Repository) PurgeProductTx(ctx context.Context, tx pgx.Tx, traceID string, productID uuid.UUID) error {
	// Lock the aggregate first so in-flight writers drain before the rows go.
	var likeCount uint64
	err := tx.QueryRow(ctx, `SELECT like_count FROM product_aggregates WHERE product_id = $1 FOR UPDATE`, productID).Scan(&likeCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // nothing to purge
	}
	if err != nil {
		return err
	}

	for _, q := range []string{
		`DELETE FROM engagement_likes WHERE product_id = $1`,
		`DELETE FROM engagement_views WHERE product_id = $1`,
		`DELETE FROM engagement_reviews WHERE product_id = $1`,
		`DELETE FROM product_aggregates WHERE product_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, productID); err != nil {
			return err
		}
	}
	return nil
}
