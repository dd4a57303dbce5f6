// Package ratelimit enforces the per-session hard rate limits
// (actions/minute, API calls/minute). The local store keeps one
// token bucket per key; a Redis-backed store shares buckets across
// nodes for multi-node deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store abstracts the bucket storage used for rate limiting.
type Store interface {
	// Allow consumes one token from the bucket identified by key, where
	// the bucket refills at perMinute tokens per minute with burst equal
	// to perMinute. Returns false when the bucket is empty.
	Allow(ctx context.Context, key string, perMinute int) (bool, error)
}

type localEntry struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// LocalStore keeps per-key token buckets in process memory.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string]*localEntry
	now     func() time.Time
}

// NewLocalStore creates an in-process bucket store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		buckets: make(map[string]*localEntry),
		now:     time.Now,
	}
}

// Allow implements Store.
func (s *LocalStore) Allow(_ context.Context, key string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		// No limit configured.
		return true, nil
	}

	s.mu.Lock()
	entry, ok := s.buckets[key]
	if !ok || entry.perMin != perMinute {
		entry = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMin:  perMinute,
		}
		s.buckets[key] = entry
	}
	entry.lastSeen = s.now()
	s.mu.Unlock()

	return entry.limiter.Allow(), nil
}

// Sweep removes buckets idle for longer than maxIdle to bound memory.
// Callers run it periodically or after ending sessions.
func (s *LocalStore) Sweep(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := s.now().Add(-maxIdle)
	for key, entry := range s.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}
