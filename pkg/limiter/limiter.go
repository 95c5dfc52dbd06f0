// Package limiter provides token-bucket rate limiting for the API boundary,
// keyed by caller (org/actor) with a pluggable bucket store.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Policy defines the sustained rate and burst ceiling for one caller class.
type Policy struct {
	RPM   int
	Burst int
}

// ratePerSec converts the policy's RPM into a refill rate, with a floor of
// one token per second when the policy is unset.
func (p Policy) ratePerSec() float64 {
	rate := float64(p.RPM) / 60.0
	if rate <= 0 {
		rate = 1
	}
	return rate
}

// Store abstracts bucket storage. Allow reports whether the caller may spend
// cost tokens right now.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, capacity int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: now,
	}
}

func (tb *tokenBucket) allow(cost int, now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps per-key buckets in process. Suitable for single-instance
// deployments and tests; use RedisStore when replicas share a limit.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	clock   func() time.Time // Injectable clock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*tokenBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	now := s.clock()

	s.mu.Lock()
	tb, ok := s.buckets[key]
	if !ok {
		tb = newTokenBucket(policy.ratePerSec(), policy.Burst, now)
		s.buckets[key] = tb
	}
	s.mu.Unlock()

	return tb.allow(cost, now), nil
}
