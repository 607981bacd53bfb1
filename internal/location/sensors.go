package location

import (
	"errors"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// FeedSensor accepts fixes pushed from outside the process, e.g. a companion
// app posting to the control API.
type FeedSensor struct {
	mu   sync.Mutex
	emit func(models.LocationSample)
}

func NewFeedSensor() *FeedSensor { return &FeedSensor{} }

func (f *FeedSensor) Start(emit func(models.LocationSample)) error {
	f.mu.Lock()
	f.emit = emit
	f.mu.Unlock()
	return nil
}

func (f *FeedSensor) Stop() {
	f.mu.Lock()
	f.emit = nil
	f.mu.Unlock()
}

// Feed hands a fix to the publisher; it reports false when nobody listens.
func (f *FeedSensor) Feed(s models.LocationSample) bool {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(s)
	return true
}

// RouteSensor replays a fixed list of coordinates on an interval, looping.
// Used for simulated drives.
type RouteSensor struct {
	points   []models.Coord
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewRouteSensor(points []models.Coord, interval time.Duration) *RouteSensor {
	if interval <= 0 {
		interval = time.Second
	}
	return &RouteSensor{points: points, interval: interval}
}

func (r *RouteSensor) Start(emit func(models.LocationSample)) error {
	if len(r.points) == 0 {
		return errors.New("location: empty route")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return nil
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(emit, r.stop, r.done)
	return nil
}

func (r *RouteSensor) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *RouteSensor) loop(emit func(models.LocationSample), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	i := 0
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			emit(models.LocationSample{Coord: r.points[i%len(r.points)], Timestamp: now})
			i++
		}
	}
}
