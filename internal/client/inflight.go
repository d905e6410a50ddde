package client

import (
	"sync"
	"time"
)

// InFlightSet guards against firing a second mutation for the same key while
// one is still pending. Entries expire after ttl as a safety valve in case a
// caller forgets to Release after a panic.
type InFlightSet struct {
	mu  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

func NewInFlightSet(ttl time.Duration) *InFlightSet {
	return &InFlightSet{
		m:   map[string]time.Time{},
		ttl: ttl,
		now: time.Now,
	}
}

// TryAcquire returns false while a live entry exists for key.
func (s *InFlightSet) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.m[key]; ok && now.Before(exp) {
		return false
	}
	s.m[key] = now.Add(s.ttl)
	return true
}

func (s *InFlightSet) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Clear drops every entry; used when the identity changes.
func (s *InFlightSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = map[string]time.Time{}
}
