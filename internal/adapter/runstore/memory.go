package runstore

import (
	"context"
	"sync"
	"time"

	"athena/internal/domain"
)

// MemoryStore is an in-process RunStatusStore with the same write rules as
// SQLiteStore.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]domain.RunRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]domain.RunRecord)}
}

func (s *MemoryStore) Put(_ context.Context, rec domain.RunRecord) error {
	if rec.RunID == "" {
		return domain.NewDomainError("RunStore.Put", domain.ErrInvalidInput, "run_id required")
	}
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.runs[rec.RunID]
	if exists {
		if rec.State == domain.RunQueued && prev.State != domain.RunQueued {
			return nil
		}
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	s.runs[rec.RunID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, domain.NewSubSystemError("run", "RunStore.Get", domain.ErrNotFound, runID)
	}
	return &rec, nil
}

// Prune deletes records last updated before cutoff.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.runs {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}
