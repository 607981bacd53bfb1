package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/driver-dispatch/internal/models"
)

// JobHistory is the journal of confirmed lifecycle transitions.
type JobHistory interface {
	SaveTransition(ctx context.Context, rec models.TransitionRecord) error
	History(ctx context.Context, jobID string) ([]models.TransitionRecord, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string][]models.TransitionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string][]models.TransitionRecord)}
}

func (m *MemoryStore) SaveTransition(_ context.Context, rec models.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.JobID] = append(m.recs[rec.JobID], rec)
	return nil
}

func (m *MemoryStore) History(_ context.Context, jobID string) ([]models.TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.TransitionRecord(nil), m.recs[jobID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
