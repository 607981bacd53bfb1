package cache

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// ProfileCache holds the last fetched contractor profile and when it was
// fetched.
type ProfileCache interface {
	Get(ctx context.Context) (models.Profile, time.Time, bool)
	Set(ctx context.Context, p models.Profile, at time.Time) error
	Clear(ctx context.Context) error
}

type MemoryProfileCache struct {
	mu      sync.RWMutex
	profile *models.Profile
	at      time.Time
}

func NewMemoryProfileCache() *MemoryProfileCache { return &MemoryProfileCache{} }

func (m *MemoryProfileCache) Get(context.Context) (models.Profile, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return models.Profile{}, time.Time{}, false
	}
	return *m.profile, m.at, true
}

func (m *MemoryProfileCache) Set(_ context.Context, p models.Profile, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = &p
	m.at = at
	return nil
}

func (m *MemoryProfileCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = nil
	m.at = time.Time{}
	return nil
}
