package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountID(t *testing.T) domain.Identity {
	t.Helper()
	return domain.AccountIdentity(uuid.New())
}

func TestToggleLike_ParityOverManyToggles(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()

	for _, n := range []int{1, 2, 7, 10} {
		store = memory.New()
		var last domain.ToggleResult
		var err error
		for i := 0; i < n; i++ {
			last, err = store.ToggleLike(ctx, "trace", uuid.NewString(), id, product)
			require.NoError(t, err)
		}
		wantLiked := n%2 == 1
		assert.Equal(t, wantLiked, last.Liked, "n=%d", n)

		agg, err := store.GetAggregate(ctx, product)
		require.NoError(t, err)
		if wantLiked {
			assert.Equal(t, uint64(1), agg.LikeCount, "n=%d", n)
		} else {
			assert.Equal(t, uint64(0), agg.LikeCount, "n=%d", n)
		}
	}
}

func TestToggleLike_ConcurrentIdentitiesNoLostUpdate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	product := uuid.New()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.ToggleLike(ctx, "trace", uuid.NewString(), accountID(t), product)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	agg, err := store.GetAggregate(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), agg.LikeCount)
}

func TestToggleLike_ConcurrentSameIdentitySerializes(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()

	const n = 10 // even: must land back on not-liked
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.ToggleLike(ctx, "trace", uuid.NewString(), id, product)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	agg, err := store.GetAggregate(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), agg.LikeCount)

	rec, err := store.GetEngagement(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.LikedProductIDs)
}

func TestOneIdentityManyProducts_ConcurrentWrites(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)

	// One identity fanning out over distinct products shares the identity's
	// ledger maps across goroutines; the pair locks alone do not cover that.
	const n = 64
	products := make([]uuid.UUID, n)
	for i := range products {
		products[i] = uuid.New()
	}

	var wg sync.WaitGroup
	wg.Add(2*n + 1)
	for i := 0; i < n; i++ {
		product := products[i]
		go func() {
			defer wg.Done()
			_, err := store.ToggleLike(ctx, "trace", uuid.NewString(), id, product)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := store.SubmitReview(ctx, "trace", uuid.NewString(), id, product, 5, nil)
			assert.NoError(t, err)
		}()
	}
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := store.GetEngagement(ctx, id)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	rec, err := store.GetEngagement(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.LikedProductIDs, n)
	assert.Len(t, rec.Reviews, n)
}

func TestToggleLike_IdempotencyKeyReplayDoesNotDoubleFlip(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()
	key := uuid.NewString()

	first, err := store.ToggleLike(ctx, "trace", key, id, product)
	require.NoError(t, err)
	assert.True(t, first.Liked)
	assert.Equal(t, uint64(1), first.LikeCount)

	// Timed-out client retries the same logical toggle.
	replay, err := store.ToggleLike(ctx, "trace", key, id, product)
	require.NoError(t, err)
	assert.True(t, replay.Liked)
	assert.Equal(t, uint64(1), replay.LikeCount)

	// Same key, different product: reject.
	_, err = store.ToggleLike(ctx, "trace", key, id, uuid.New())
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)
}

func TestRecordView_CountsEveryAcceptedCall(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := domain.DeviceIdentity("aa11")
	product := uuid.New()

	c1, err := store.RecordView(ctx, id, product)
	require.NoError(t, err)
	c2, err := store.RecordView(ctx, id, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c1)
	assert.Equal(t, uint64(2), c2)

	rec, err := store.GetEngagement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{product}, rec.ViewedProductIDs)
}

func TestSubmitReview_ReplaceSemantics(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()

	res, err := store.SubmitReview(ctx, "trace", uuid.NewString(), id, product, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ReviewCount)
	assert.Equal(t, float64(4), res.AverageRating)

	// Resubmission replaces the prior contribution, never both-counts.
	res, err = store.SubmitReview(ctx, "trace", uuid.NewString(), id, product, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ReviewCount)
	assert.Equal(t, float64(2), res.AverageRating)

	rec, err := store.GetEngagement(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Reviews, 1)
	assert.Equal(t, 2, rec.Reviews[0].Rating)
	assert.NotNil(t, rec.Reviews[0].UpdatedAt)
}

func TestSubmitReview_TwoIdentitiesAverage(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	product := uuid.New()

	_, err := store.SubmitReview(ctx, "trace", uuid.NewString(), accountID(t), product, 4, nil)
	require.NoError(t, err)
	res, err := store.SubmitReview(ctx, "trace", uuid.NewString(), accountID(t), product, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), res.ReviewCount)
	assert.Equal(t, 4.5, res.AverageRating)
}

func TestSubmitReview_IdempotencyKeyReplay(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()
	key := uuid.NewString()

	_, err := store.SubmitReview(ctx, "trace", key, id, product, 5, nil)
	require.NoError(t, err)

	res, err := store.SubmitReview(ctx, "trace", key, id, product, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ReviewCount)
	assert.Equal(t, float64(5), res.AverageRating)
}

func TestGetAggregate_UnknownProduct(t *testing.T) {
	store := memory.New()
	_, err := store.GetAggregate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrProductNotKnown)
}

func TestPurgeProduct_RemovesAggregateAndEngagement(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := accountID(t)
	product := uuid.New()

	_, err := store.ToggleLike(ctx, "trace", uuid.NewString(), id, product)
	require.NoError(t, err)
	_, err = store.RecordView(ctx, id, product)
	require.NoError(t, err)

	require.NoError(t, store.PurgeProduct(ctx, "trace", product))

	_, err = store.GetAggregate(ctx, product)
	assert.ErrorIs(t, err, domain.ErrProductNotKnown)

	rec, err := store.GetEngagement(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.LikedProductIDs)
	assert.Empty(t, rec.ViewedProductIDs)
}

func TestEnsureAggregate_CreatesZeroRow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	product := uuid.New()

	require.NoError(t, store.EnsureAggregate(ctx, product))

	agg, err := store.GetAggregate(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), agg.LikeCount)
	assert.Equal(t, float64(0), agg.AverageRating())
}
