package presence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore abstracts the storage for per-entity signal rate limiting.
// A single-node deployment uses the in-memory store; multi-replica fronting
// of one kernel shares buckets through Redis.
type LimiterStore interface {
	// Allow reports whether the entity may signal now given the window.
	Allow(ctx context.Context, entityID string, window time.Duration) (bool, error)
}

// InMemoryLimiterStore keeps one rate.Limiter per entity, refilling one
// signal per window.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, entityID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[entityID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window), 1)
		s.limiters[entityID] = lim
	}
	s.mu.Unlock()

	return lim.Allow(), nil
}
