package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	srv      *httptest.Server
	received chan envelope
	tokens   chan string
	conns    atomic.Int32
	// onConnect runs after upgrade; return false to drop the connection.
	onConnect func(n int32, conn *websocket.Conn) bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan envelope, 32), tokens: make(chan string, 8)}
	up := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.tokens <- r.URL.Query().Get("token")
		n := fs.conns.Add(1)
		if fs.onConnect != nil && !fs.onConnect(n, conn) {
			return
		}
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			fs.received <- env
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/socket"
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

func waitEnvelope(t *testing.T, fs *fakeServer) envelope {
	t.Helper()
	select {
	case env := <-fs.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return envelope{}
	}
}

func TestClientDeliversAlertAndRejoinsRooms(t *testing.T) {
	fs := newFakeServer(t)
	fs.onConnect = func(_ int32, conn *websocket.Conn) bool {
		_ = conn.WriteJSON(map[string]any{
			"event": "job:alert",
			"data":  map[string]any{"id": "j1", "status": "pending", "address": "1 Main St", "total_price": 150},
		})
		return true
	}

	bus := NewBus(8)
	sub := bus.Subscribe(KindJobAlert)
	c := NewClient(fs.wsURL(), nil, WithBackOff(fastRetry))
	require.NoError(t, c.JoinRoom("driver:c1"))
	require.NoError(t, c.Open(context.Background(), "tok-1", bus))
	t.Cleanup(c.Close)

	assert.Equal(t, "tok-1", <-fs.tokens)

	env := waitEnvelope(t, fs)
	assert.Equal(t, "join", env.Event)
	var room map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &room))
	assert.Equal(t, "driver:c1", room["room"])

	select {
	case ev := <-sub.C:
		require.NotNil(t, ev.Job)
		assert.Equal(t, "j1", ev.Job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no job alert delivered")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	fs.onConnect = func(n int32, conn *websocket.Conn) bool {
		return n > 1
	}

	bus := NewBus(8)
	c := NewClient(fs.wsURL(), nil, WithBackOff(fastRetry))
	require.NoError(t, c.JoinRoom("driver:c1"))
	require.NoError(t, c.Open(context.Background(), "tok", bus))
	t.Cleanup(c.Close)

	env := waitEnvelope(t, fs)
	assert.Equal(t, "join", env.Event)
	assert.GreaterOrEqual(t, fs.conns.Load(), int32(2))
	assert.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
}

func TestClientEmitsLeaveAndLocation(t *testing.T) {
	fs := newFakeServer(t)
	bus := NewBus(8)
	c := NewClient(fs.wsURL(), nil, WithBackOff(fastRetry))
	require.NoError(t, c.Open(context.Background(), "tok", bus))
	t.Cleanup(c.Close)
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.JoinRoom("job-1"))
	require.NoError(t, c.JoinRoom("job-1"))
	require.NoError(t, c.BroadcastLocation(LocationBroadcast{ContractorID: "c1", Lat: 33.7, Lng: -84.3, JobID: "job-1"}))
	require.NoError(t, c.LeaveRoom("job-1"))

	assert.Equal(t, "join", waitEnvelope(t, fs).Event)
	loc := waitEnvelope(t, fs)
	assert.Equal(t, "driver:location", loc.Event)
	var payload LocationBroadcast
	require.NoError(t, json.Unmarshal(loc.Data, &payload))
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "leave", waitEnvelope(t, fs).Event)
	assert.Empty(t, c.Rooms())
}

func TestBroadcastWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/socket", nil)
	assert.ErrorIs(t, c.BroadcastLocation(LocationBroadcast{ContractorID: "c1"}), ErrNotConnected)
}

func TestOpenTwice(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(fs.wsURL(), nil, WithBackOff(fastRetry))
	require.NoError(t, c.Open(context.Background(), "tok", NewBus(1)))
	t.Cleanup(c.Close)
	assert.ErrorIs(t, c.Open(context.Background(), "tok", NewBus(1)), ErrAlreadyOpen)
}

func TestDecode(t *testing.T) {
	ev, ok, err := decode([]byte(`{"event":"volume:declined","data":{"job_id":"j1","trip_fee":50}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindVolumeDeclined, ev.Kind)
	require.NotNil(t, ev.TripFee)
	assert.Equal(t, 50.0, *ev.TripFee)

	ev, ok, err = decode([]byte(`{"event":"job:assigned","data":{"job_id":"j2"}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "j2", ev.JobID)

	_, _, err = decode([]byte(`{"event":"job:assigned","data":{}}`))
	assert.Error(t, err)

	_, ok, err = decode([]byte(`{"event":"joined","data":{"room":"x"}}`))
	assert.NoError(t, err)
	assert.False(t, ok)
}
