package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the trail in process memory. Used in tests and as
// the default backend when no durable store is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Tamper overwrites the entry at index i. Test helper for integrity
// checks; not part of the Store interface.
func (s *MemoryStore) Tamper(i int, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.entries) {
		mutate(&s.entries[i])
	}
}
