package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps admission windows in process memory. It is the default
// store for single-node deployments and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Allow implements Store. The whole prune-check-append sequence runs under
// one lock, so concurrent callers observe a consistent window.
func (s *MemoryStore) Allow(_ context.Context, key string, limit Limit, now time.Time) (bool, error) {
	cutoff := now.Add(-limit.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windows[key]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limit.MaxRequests {
		if len(pruned) == 0 {
			delete(s.windows, key)
		} else {
			s.windows[key] = pruned
		}
		return false, nil
	}

	s.windows[key] = append(pruned, now)
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
