package location

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/models"
)

type countingSensor struct {
	FeedSensor
	starts, stops int
}

func (c *countingSensor) Start(emit func(models.LocationSample)) error {
	c.starts++
	return c.FeedSensor.Start(emit)
}

func (c *countingSensor) Stop() {
	c.stops++
	c.FeedSensor.Stop()
}

func TestPublisherStartStopIdempotent(t *testing.T) {
	sensor := &countingSensor{}
	p := NewPublisher(sensor)

	var got int
	cb := func(models.LocationSample) { got++ }
	require.NoError(t, p.Start(cb))
	require.NoError(t, p.Start(cb))
	assert.True(t, p.Active())

	sensor.Feed(models.LocationSample{Coord: models.Coord{Lat: 1, Lon: 2}})
	p.Stop()
	p.Stop()
	sensor.Feed(models.LocationSample{Coord: models.Coord{Lat: 3, Lon: 4}})

	assert.Equal(t, 1, got)
	assert.Equal(t, 1, sensor.starts)
	assert.Equal(t, 1, sensor.stops)
	starts, stops := p.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, 1.0, last.Lat)
}

func TestPublisherRejectsNilCallback(t *testing.T) {
	p := NewPublisher(NewFeedSensor())
	assert.ErrorIs(t, p.Start(nil), ErrNoCallback)
}

func TestRouteSensorEmitsUntilStopped(t *testing.T) {
	r := NewRouteSensor([]models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}, 5*time.Millisecond)
	var n atomic.Int32
	require.NoError(t, r.Start(func(models.LocationSample) { n.Add(1) }))
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(10 * time.Second)
	base := time.Unix(1000, 0)
	assert.True(t, th.Allow(base))
	assert.False(t, th.Allow(base.Add(5*time.Second)))
	assert.True(t, th.Allow(base.Add(10*time.Second)))
	th.Reset()
	assert.True(t, th.Allow(base.Add(11*time.Second)))
}
