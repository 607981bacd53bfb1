package location

import (
	"errors"
	"sync"

	"github.com/example/driver-dispatch/internal/models"
)

// Sensor is the device location source.
type Sensor interface {
	Start(emit func(models.LocationSample)) error
	Stop()
}

var ErrNoCallback = errors.New("location: nil callback")

// Publisher wraps a Sensor and forwards samples to a single callback while
// publishing is active. It knows nothing about jobs.
type Publisher struct {
	sensor Sensor

	mu     sync.Mutex
	active bool
	cb     func(models.LocationSample)
	last   *models.LocationSample
	starts int
	stops  int
}

func NewPublisher(sensor Sensor) *Publisher {
	return &Publisher{sensor: sensor}
}

// Start begins publishing to cb. Starting an active publisher is a no-op.
func (p *Publisher) Start(cb func(models.LocationSample)) error {
	if cb == nil {
		return ErrNoCallback
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}
	if err := p.sensor.Start(p.deliver); err != nil {
		return err
	}
	p.active = true
	p.cb = cb
	p.starts++
	return nil
}

// Stop ends publishing. Stopping an inactive publisher is a no-op.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.cb = nil
	p.stops++
	p.mu.Unlock()
	p.sensor.Stop()
}

func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Last returns the most recent sample seen while active.
func (p *Publisher) Last() (models.LocationSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return models.LocationSample{}, false
	}
	return *p.last, true
}

// Counts reports how many times publishing was started and stopped.
func (p *Publisher) Counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func (p *Publisher) deliver(s models.LocationSample) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	cb := p.cb
	sample := s
	p.last = &sample
	p.mu.Unlock()
	cb(s)
}
