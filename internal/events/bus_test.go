package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRoutesByKind(t *testing.T) {
	b := NewBus(4)
	offers := b.Subscribe(KindJobAlert, KindJobAssigned)
	volume := b.Subscribe(KindVolumeApproved)

	b.Publish(Event{Kind: KindJobAssigned, JobID: "j1"})
	b.Publish(Event{Kind: KindVolumeApproved, JobID: "j1"})

	assert.Equal(t, KindJobAssigned, (<-offers.C).Kind)
	assert.Equal(t, KindVolumeApproved, (<-volume.C).Kind)
	assert.Len(t, offers.C, 0)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus(1)
	var dropped []Kind
	b.OnDrop(func(k Kind) { dropped = append(dropped, k) })
	s := b.Subscribe()

	b.Publish(Event{Kind: KindJobAlert})
	b.Publish(Event{Kind: KindJobAlert})

	assert.Len(t, s.C, 1)
	assert.Equal(t, []Kind{KindJobAlert}, dropped)
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	b := NewBus(1)
	s := b.Subscribe()
	b.Close()
	_, ok := <-s.C
	assert.False(t, ok)

	s.Close()
	b.Publish(Event{Kind: KindJobAlert})

	late := b.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestQueuedSubscriptionKeepsEventsForSlowConsumer(t *testing.T) {
	b := NewBus(1)
	var dropped []Kind
	b.OnDrop(func(k Kind) { dropped = append(dropped, k) })
	s := b.SubscribeQueued(KindVolumeApproved, KindJobAssigned)
	defer s.Close()

	for i := 0; i < 50; i++ {
		b.Publish(Event{Kind: KindJobAssigned, JobID: "j"})
	}
	b.Publish(Event{Kind: KindVolumeApproved, JobID: "last"})

	for i := 0; i < 50; i++ {
		ev := <-s.C
		require.Equal(t, KindJobAssigned, ev.Kind)
	}
	select {
	case ev := <-s.C:
		assert.Equal(t, "last", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("volume event lost")
	}
	assert.Empty(t, dropped)
}

func TestQueuedSubscriptionClosesWithBus(t *testing.T) {
	b := NewBus(1)
	s := b.SubscribeQueued()
	b.Publish(Event{Kind: KindJobAlert})
	b.Publish(Event{Kind: KindJobAlert})
	b.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}
