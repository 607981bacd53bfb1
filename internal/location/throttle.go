package location

import (
	"sync"
	"time"
)

// Throttle admits at most one event per interval.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewThrottle(every time.Duration) *Throttle { return &Throttle{every: every} }

func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}

// Reset lets the next event through regardless of timing.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = time.Time{}
	t.mu.Unlock()
}
