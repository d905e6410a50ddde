package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
)

func (r *Repository) GetAggregate(ctx context.Context, productID uuid.UUID) (domain.ProductAggregate, error) {
	var a domain.ProductAggregate
	a.ProductID = productID

	// Source of truth is the counter row maintained by the write paths.
	err := r.pool.QueryRow(ctx, `
		SELECT like_count, view_count, rating_sum, rating_count, updated_at
		FROM product_aggregates
		WHERE product_id = $1
	`, productID).Scan(&a.LikeCount, &a.ViewCount, &a.RatingSum, &a.RatingCount, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProductAggregate{}, domain.ErrProductNotKnown
	}
	if err != nil {
		// A missing row is the only "not found"; anything else is the store
		// being unreachable and must not masquerade as a 404.
		return domain.ProductAggregate{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return a, nil
}

func (r *Repository) GetEngagement(ctx context.Context, id domain.Identity) (domain.EngagementRecord, error) {
	identityKey := id.Key()
	rec := domain.EngagementRecord{
		LikedProductIDs:  []uuid.UUID{},
		ViewedProductIDs: []uuid.UUID{},
		Reviews:          []domain.Review{},
	}

	rows, err := r.pool.Query(ctx, `
		SELECT product_id
		FROM engagement_likes
		WHERE identity_key = $1 AND liked
		ORDER BY product_id
	`, identityKey)
	if err != nil {
		return domain.EngagementRecord{}, err
	}
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return domain.EngagementRecord{}, err
		}
		rec.LikedProductIDs = append(rec.LikedProductIDs, pid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.EngagementRecord{}, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT product_id
		FROM engagement_views
		WHERE identity_key = $1
		ORDER BY product_id
	`, identityKey)
	if err != nil {
		return domain.EngagementRecord{}, err
	}
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return domain.EngagementRecord{}, err
		}
		rec.ViewedProductIDs = append(rec.ViewedProductIDs, pid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.EngagementRecord{}, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT product_id, rating, comment, created_at, updated_at
		FROM engagement_reviews
		WHERE identity_key = $1
		ORDER BY product_id
	`, identityKey)
	if err != nil {
		return domain.EngagementRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ProductID, &rv.Rating, &rv.Comment, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
			return domain.EngagementRecord{}, err
		}
		rec.Reviews = append(rec.Reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return domain.EngagementRecord{}, err
	}

	return rec, nil
}
