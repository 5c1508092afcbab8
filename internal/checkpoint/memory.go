package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints for the lifetime of the process.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Load returns a copy of the live checkpoint.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return cp.Clone(), nil
}

// Save replaces the live checkpoint.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.checkpoints[cp.SessionID]; ok && cp.Seq <= prev.Seq {
		return fmt.Errorf("%w: seq %d <= %d", ErrVersionConflict, cp.Seq, prev.Seq)
	}
	stored := cp.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	s.checkpoints[cp.SessionID] = stored
	return nil
}

// Delete forgets a session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sessionID)
	return nil
}

// Sessions lists the ids with a live checkpoint.
func (s *MemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	return ids
}
