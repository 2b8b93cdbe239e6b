package history

import (
	"context"
	"sync"
)

// MemStore keeps turns in process memory, capped per session. It is the
// default store and the test double for the Postgres store.
type MemStore struct {
	mu       sync.Mutex
	turns    map[string][]Turn
	maxTurns int
}

// NewMemStore constructs a MemStore retaining up to maxTurns per session.
func NewMemStore(maxTurns int) *MemStore {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &MemStore{
		turns:    make(map[string][]Turn),
		maxTurns: maxTurns,
	}
}

// Append implements Store. When a session is at capacity the oldest turn is
// dropped.
func (s *MemStore) Append(_ context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[t.SessionID], t)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.turns[t.SessionID] = turns
	return nil
}

// Recent implements Store.
func (s *MemStore) Recent(_ context.Context, sessionID string, n int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns[sessionID]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Drop removes all turns for a session.
func (s *MemStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
