package transcript

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. The zero value is ready to use.
type MemStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

// Append stores t.
func (s *MemStore) Append(_ context.Context, t Turn) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns == nil {
		s.turns = make(map[string][]Turn)
	}
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	return nil
}

// List returns a copy of the turns of sessionID.
func (s *MemStore) List(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns[sessionID]), nil
}
