package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore abstracts the storage for submission attempt limiting.
// Preemptive checks never consume tokens; only genuine attempts do.
type LimiterStore interface {
	// Allow reports whether the key may spend cost tokens now.
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LimiterPolicy defines the per-key token bucket.
type LimiterPolicy struct {
	RatePerSec float64
	Burst      int
}

// DefaultLimiterPolicy bounds how often a shell can grind the gate with
// genuine submission attempts.
func DefaultLimiterPolicy() LimiterPolicy {
	return LimiterPolicy{RatePerSec: 1, Burst: 5}
}

// InMemoryLimiterStore is the single-process limiter backend.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	policy   LimiterPolicy
	limiters map[string]*rate.Limiter
}

// NewInMemoryLimiterStore creates a store with one token bucket per key.
func NewInMemoryLimiterStore(policy LimiterPolicy) *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		policy:   policy,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements LimiterStore.
func (s *InMemoryLimiterStore) Allow(_ context.Context, key string, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.policy.RatePerSec), s.policy.Burst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}
