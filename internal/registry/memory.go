package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the record in process memory. Used in tests and for
// ephemeral runs where losing the record on restart is acceptable.
type MemoryStore struct {
	mu     sync.RWMutex
	record Record
	hasRec bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Read(_ context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record, s.hasRec, nil
}

func (s *MemoryStore) Write(_ context.Context, sessionID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{LastSessionID: sessionID, LastSessionTimestamp: ts}
	s.hasRec = true
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{}
	s.hasRec = false
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Seed installs a record directly, bypassing Write's invariants. Tests use
// it to reproduce corrupted on-disk state.
func (s *MemoryStore) Seed(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = r
	s.hasRec = true
}
