package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type memEntry struct {
	rec      Record
	consumed atomic.Bool
}

// MemoryStore keeps records in process memory. Redemption is a
// compare-and-swap on the entry's consumed flag, so lookups only need the
// read lock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.Token == "" {
		return errors.New("magic link: empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[rec.Token]; ok {
		return errors.New("magic link: duplicate token")
	}
	s.entries[rec.Token] = &memEntry{rec: rec}
	return nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, token string, now time.Time) (Record, error) {
	s.mu.RLock()
	e, ok := s.entries[token]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrTokenNotFound
	}
	if !now.Before(e.rec.ExpiresAt) {
		return Record{}, ErrLinkExpired
	}
	if !e.consumed.CompareAndSwap(false, true) {
		return Record{}, ErrTokenConsumed
	}
	return e.rec, nil
}

// Cleanup implements Store. Records are dropped once RetentionGrace has
// passed since expiry.
func (s *MemoryStore) Cleanup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, e := range s.entries {
		if !now.Before(e.rec.ExpiresAt.Add(RetentionGrace)) {
			delete(s.entries, token)
			n++
		}
	}
	return n, nil
}

// Active implements Store.
func (s *MemoryStore) Active(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if !e.consumed.Load() && now.Before(e.rec.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of retained records, active or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
