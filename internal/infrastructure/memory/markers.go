package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
)

// MarkerSet is the in-process domain.ViewMarkerStore: a concurrency-safe map
// with per-key TTL eviction. Expired entries are dropped lazily on access and
// swept periodically so the set does not leak keys for products nobody views
// twice.
type MarkerSet struct {
	mu  sync.Mutex
	m   map[string]time.Time
	now func() time.Time
}

func NewMarkerSet() *MarkerSet {
	return &MarkerSet{m: map[string]time.Time{}, now: time.Now}
}

func (s *MarkerSet) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.m[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.m[key] = now.Add(ttl)
	return true, nil
}

func (s *MarkerSet) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Len reports live (unexpired) markers.
func (s *MarkerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, exp := range s.m {
		if now.Before(exp) {
			n++
		}
	}
	return n
}

// StartSweeper evicts expired markers in the background until ctx is done.
func (s *MarkerSet) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		log := logger.Logger.With().Str("component", "marker_sweeper").Logger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MarkerSet) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.m {
		if !now.Before(exp) {
			delete(s.m, k)
		}
	}
}
