package events

import (
	"sync"

	"github.com/example/driver-dispatch/internal/models"
)

type Kind string

const (
	KindJobAlert       Kind = "job:alert"
	KindJobAssigned    Kind = "job:assigned"
	KindVolumeApproved Kind = "volume:approved"
	KindVolumeDeclined Kind = "volume:declined"
	KindConnected      Kind = "channel:connected"
	KindDisconnected   Kind = "channel:disconnected"
)

// Event is a decoded push-channel message.
type Event struct {
	Kind    Kind
	Job     *models.Job // job:alert
	JobID   string
	TripFee *float64 // volume:declined
}

// Subscription delivers events of the kinds it was created for.
type Subscription struct {
	C     <-chan Event
	c     chan Event
	kinds map[Kind]struct{}
	bus   *Bus
	once  sync.Once

	queued bool
	qmu    sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.bus.remove(s) }

// deliver hands ev to the subscriber. Only a plain subscription with a full
// buffer refuses.
func (s *Subscription) deliver(ev Event) bool {
	if !s.queued {
		select {
		case s.c <- ev:
			return true
		default:
			return false
		}
	}
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) shut() {
	s.once.Do(func() {
		if s.queued {
			close(s.done)
			return
		}
		close(s.c)
	})
}

// forward moves queued events onto C in order until the subscription is shut.
func (s *Subscription) forward() {
	defer close(s.c)
	for {
		s.qmu.Lock()
		batch := s.queue
		s.queue = nil
		s.qmu.Unlock()
		for _, ev := range batch {
			select {
			case s.c <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// Bus fans typed events out to per-subscriber channels. Publish never blocks
// the push channel reader: a slow plain subscriber loses events, a queued one
// buffers them without bound.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	onDrop func(Kind)
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// OnDrop registers a hook called when an event could not be delivered.
func (b *Bus) OnDrop(fn func(Kind)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a subscription for kinds; no kinds means all events.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	return b.subscribe(false, kinds)
}

// SubscribeQueued is like Subscribe but never drops an event. Use it for a
// consumer that may stall on network calls.
func (b *Bus) SubscribeQueued(kinds ...Kind) *Subscription {
	return b.subscribe(true, kinds)
}

func (b *Bus) subscribe(queued bool, kinds []Kind) *Subscription {
	c := make(chan Event, b.buffer)
	s := &Subscription{C: c, c: c, kinds: make(map[Kind]struct{}, len(kinds)), bus: b, queued: queued}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}
	if queued {
		s.notify = make(chan struct{}, 1)
		s.done = make(chan struct{})
		go s.forward()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shut()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		if !s.deliver(ev) && b.onDrop != nil {
			b.onDrop(ev.Kind)
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.shut()
}

// Close closes every subscription. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.shut()
	}
}
