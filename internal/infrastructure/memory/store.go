package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
)

// Store is the in-process EngagementStore used by dev mode and tests. It
// mirrors the postgres repository's locking discipline: one mutex per
// (identity, product) pair serializes the read-modify-write, one mutex per
// product guards the shared aggregate. The per-identity ledger maps span
// products (one identity acting on two products shares them), so every read
// and write of an inner map happens under the store mutex.
type Store struct {
	mu sync.Mutex

	pairLocks map[string]*sync.Mutex
	aggLocks  map[uuid.UUID]*sync.Mutex

	liked   map[string]map[uuid.UUID]bool
	viewed  map[string]map[uuid.UUID]time.Time
	reviews map[string]map[uuid.UUID]domain.Review
	aggs    map[uuid.UUID]*domain.ProductAggregate

	idem map[string]idemEntry
}

type idemEntry struct {
	identityKey string
	productID   uuid.UUID
	action      string
	expiresAt   time.Time
}

const idemTTL = 24 * time.Hour

func New() *Store {
	return &Store{
		pairLocks: map[string]*sync.Mutex{},
		aggLocks:  map[uuid.UUID]*sync.Mutex{},
		liked:     map[string]map[uuid.UUID]bool{},
		viewed:    map[string]map[uuid.UUID]time.Time{},
		reviews:   map[string]map[uuid.UUID]domain.Review{},
		aggs:      map[uuid.UUID]*domain.ProductAggregate{},
		idem:      map[string]idemEntry{},
	}
}

func pairKey(id domain.Identity, productID uuid.UUID) string {
	return id.Key() + "|" + productID.String()
}

func (s *Store) pairLock(id domain.Identity, productID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(id, productID)
	m, ok := s.pairLocks[k]
	if !ok {
		m = &sync.Mutex{}
		s.pairLocks[k] = m
	}
	return m
}

func (s *Store) aggLock(productID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.aggLocks[productID]
	if !ok {
		m = &sync.Mutex{}
		s.aggLocks[productID] = m
	}
	return m
}

// aggRef returns the aggregate row, creating it lazily on first interaction.
// Caller must hold the product's aggregate lock.
func (s *Store) aggRef(productID uuid.UUID) *domain.ProductAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggs[productID]
	if !ok {
		a = &domain.ProductAggregate{ProductID: productID, UpdatedAt: time.Now().UTC()}
		s.aggs[productID] = a
	}
	return a
}

// checkIdem registers an idempotency key, or classifies a replay.
// replay=true means the key was already used with a matching payload and the
// operation must not be applied again.
func (s *Store) checkIdem(key, identityKey string, productID uuid.UUID, action string) (replay bool, err error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.idem[key]; ok && now.Before(e.expiresAt) {
		if e.identityKey != identityKey || e.productID != productID || e.action != action {
			return false, domain.ErrIdempotencyKeyMismatch
		}
		return true, nil
	}
	s.idem[key] = idemEntry{
		identityKey: identityKey,
		productID:   productID,
		action:      action,
		expiresAt:   now.Add(idemTTL),
	}
	return false, nil
}

func (s *Store) ToggleLike(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID) (domain.ToggleResult, error) {
	pl := s.pairLock(id, productID)
	pl.Lock()
	defer pl.Unlock()

	replay, err := s.checkIdem(idempotencyKey, id.Key(), productID, "toggle")
	if err != nil {
		return domain.ToggleResult{}, err
	}

	al := s.aggLock(productID)
	al.Lock()
	defer al.Unlock()
	agg := s.aggRef(productID)

	// The per-identity liked set is shared across products, so it is only
	// ever touched under the store mutex (the pair lock covers one product).
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.liked[id.Key()]
	if !ok {
		set = map[uuid.UUID]bool{}
		s.liked[id.Key()] = set
	}

	liked := set[productID]
	if replay {
		// First attempt already applied; return canonical state untouched.
		return domain.ToggleResult{Liked: liked, LikeCount: agg.LikeCount}, nil
	}

	if liked {
		delete(set, productID)
		if agg.LikeCount > 0 {
			agg.LikeCount--
		}
	} else {
		set[productID] = true
		agg.LikeCount++
	}
	agg.UpdatedAt = time.Now().UTC()

	return domain.ToggleResult{Liked: !liked, LikeCount: agg.LikeCount}, nil
}

func (s *Store) RecordView(ctx context.Context, id domain.Identity, productID uuid.UUID) (uint64, error) {
	al := s.aggLock(productID)
	al.Lock()
	agg := s.aggRef(productID)
	agg.ViewCount++
	agg.UpdatedAt = time.Now().UTC()
	count := agg.ViewCount
	al.Unlock()

	s.mu.Lock()
	seen, ok := s.viewed[id.Key()]
	if !ok {
		seen = map[uuid.UUID]time.Time{}
		s.viewed[id.Key()] = seen
	}
	seen[productID] = time.Now().UTC()
	s.mu.Unlock()

	return count, nil
}

func (s *Store) SubmitReview(ctx context.Context, traceID, idempotencyKey string, id domain.Identity, productID uuid.UUID, rating int, comment *string) (domain.ReviewResult, error) {
	pl := s.pairLock(id, productID)
	pl.Lock()
	defer pl.Unlock()

	replay, err := s.checkIdem(idempotencyKey, id.Key(), productID, "review")
	if err != nil {
		return domain.ReviewResult{}, err
	}

	al := s.aggLock(productID)
	al.Lock()
	defer al.Unlock()
	agg := s.aggRef(productID)

	if replay {
		return domain.ReviewResult{AverageRating: agg.AverageRating(), ReviewCount: agg.RatingCount}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	revs, ok := s.reviews[id.Key()]
	if !ok {
		revs = map[uuid.UUID]domain.Review{}
		s.reviews[id.Key()] = revs
	}

	now := time.Now().UTC()
	if prev, ok := revs[productID]; ok {
		// Replace: subtract the old contribution, count unchanged.
		agg.RatingSum += float64(rating) - float64(prev.Rating)
		prev.Rating = rating
		prev.Comment = comment
		prev.UpdatedAt = &now
		revs[productID] = prev
	} else {
		agg.RatingSum += float64(rating)
		agg.RatingCount++
		revs[productID] = domain.Review{
			ProductID: productID,
			Rating:    rating,
			Comment:   comment,
			CreatedAt: now,
		}
	}
	agg.UpdatedAt = now

	return domain.ReviewResult{AverageRating: agg.AverageRating(), ReviewCount: agg.RatingCount}, nil
}

func (s *Store) GetAggregate(ctx context.Context, productID uuid.UUID) (domain.ProductAggregate, error) {
	al := s.aggLock(productID)
	al.Lock()
	defer al.Unlock()

	s.mu.Lock()
	a, ok := s.aggs[productID]
	s.mu.Unlock()
	if !ok {
		return domain.ProductAggregate{}, domain.ErrProductNotKnown
	}
	return *a, nil
}

func (s *Store) GetEngagement(ctx context.Context, id domain.Identity) (domain.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := domain.EngagementRecord{
		LikedProductIDs:  []uuid.UUID{},
		ViewedProductIDs: []uuid.UUID{},
		Reviews:          []domain.Review{},
	}
	for pid := range s.liked[id.Key()] {
		rec.LikedProductIDs = append(rec.LikedProductIDs, pid)
	}
	for pid := range s.viewed[id.Key()] {
		rec.ViewedProductIDs = append(rec.ViewedProductIDs, pid)
	}
	for _, rv := range s.reviews[id.Key()] {
		rec.Reviews = append(rec.Reviews, rv)
	}

	sortUUIDs(rec.LikedProductIDs)
	sortUUIDs(rec.ViewedProductIDs)
	sort.Slice(rec.Reviews, func(i, j int) bool {
		return rec.Reviews[i].CreatedAt.Before(rec.Reviews[j].CreatedAt)
	})
	return rec, nil
}

func (s *Store) EnsureAggregate(ctx context.Context, productID uuid.UUID) error {
	al := s.aggLock(productID)
	al.Lock()
	defer al.Unlock()
	_ = s.aggRef(productID)
	return nil
}

func (s *Store) PurgeProduct(ctx context.Context, traceID string, productID uuid.UUID) error {
	al := s.aggLock(productID)
	al.Lock()
	defer al.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aggs, productID)
	for _, set := range s.liked {
		delete(set, productID)
	}
	for _, seen := range s.viewed {
		delete(seen, productID)
	}
	for _, revs := range s.reviews {
		delete(revs, productID)
	}
	return nil
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
