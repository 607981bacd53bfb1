package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
)

const writeWait = 5 * time.Second

var (
	ErrNotConnected = errors.New("push channel not connected")
	ErrAlreadyOpen  = errors.New("push channel already open")
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LocationBroadcast is the driver:location payload.
type LocationBroadcast struct {
	ContractorID string   `json:"contractor_id"`
	Lat          float64  `json:"lat"`
	Lng          float64  `json:"lng"`
	JobID        string   `json:"job_id,omitempty"`
	Heading      *float64 `json:"heading,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
}

// Client keeps one websocket connection to the push channel open, redialing
// with exponential backoff, and publishes decoded events onto a Bus. Rooms
// joined through the client are re-joined after every reconnect.
type Client struct {
	endpoint    string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	logger      *slog.Logger
	newBackOff  func() backoff.BackOff

	mu        sync.Mutex
	conn      *websocket.Conn
	rooms     map[string]struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	wmu sync.Mutex // serializes writes on conn
}

type Option func(*Client)

// WithBackOff overrides the reconnect policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

func NewClient(endpoint string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint:    endpoint,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		readTimeout: 75 * time.Second,
		logger:      logger.With("component", "push_channel"),
		rooms:       make(map[string]struct{}),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open starts the connection loop in the background. Events are published
// to bus until Close is called.
func (c *Client) Open(ctx context.Context, token string, bus *Bus) error {
	target, err := c.url(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyOpen
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, target, bus, c.done)
	return nil
}

// Close disconnects, stops redialing and forgets joined rooms.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = conn.Close()
	}
	<-done
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Rooms lists the rooms the client currently holds membership in.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// JoinRoom records membership and emits a join when connected. Joining a
// room already held is a no-op.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		return nil
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	err := c.emit("join", map[string]string{"room": room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, room)
	c.mu.Unlock()
	err := c.emit("leave", map[string]string{"room": room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) BroadcastLocation(b LocationBroadcast) error {
	return c.emit("driver:location", b)
}

func (c *Client) emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(envelope{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) url(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse push channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run(ctx context.Context, target string, bus *Bus, done chan struct{}) {
	defer close(done)
	b := backoff.WithContext(c.newBackOff(), ctx)
	for {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				c.logger.Error("push channel giving up", "error", err)
				return
			}
			c.logger.Warn("push channel dial failed", "error", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if !c.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		c.logger.Info("push channel connected")
		bus.Publish(Event{Kind: KindConnected})

		c.serve(ctx, conn, bus)

		c.detach(conn)
		bus.Publish(Event{Kind: KindDisconnected})
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push channel dropped, reconnecting")
	}
}

func (c *Client) attach(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.connected = true
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	sort.Strings(rooms)
	for _, r := range rooms {
		if err := c.emit("join", map[string]string{"room": r}); err != nil {
			c.logger.Warn("rejoin failed", "room", r, "error", err)
		}
	}
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn, bus *Bus) {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(conn, stop)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("push channel read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		ev, ok, err := decode(msg)
		if err != nil {
			c.logger.Warn("push channel invalid message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		bus.Publish(ev)
	}
}

func (c *Client) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.readTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decode maps a wire envelope to an Event. Unknown events report ok=false.
func decode(msg []byte) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Event{}, false, err
	}
	switch Kind(env.Event) {
	case KindJobAlert:
		var job models.Job
		if err := json.Unmarshal(env.Data, &job); err != nil {
			return Event{}, false, fmt.Errorf("%s: %w", env.Event, err)
		}
		if job.ID == "" {
			return Event{}, false, fmt.Errorf("%s: missing job id", env.Event)
		}
		return Event{Kind: KindJobAlert, Job: &job, JobID: job.ID}, true, nil
	case KindJobAssigned, KindVolumeApproved, KindVolumeDeclined:
		var body struct {
			JobID   string   `json:"job_id"`
			TripFee *float64 `json:"trip_fee"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &body); err != nil {
				return Event{}, false, fmt.Errorf("%s: %w", env.Event, err)
			}
		}
		if Kind(env.Event) == KindJobAssigned && body.JobID == "" {
			return Event{}, false, fmt.Errorf("%s: missing job id", env.Event)
		}
		ev := Event{Kind: Kind(env.Event), JobID: body.JobID}
		if ev.Kind == KindVolumeDeclined {
			ev.TripFee = body.TripFee
		}
		return ev, true, nil
	default:
		return Event{}, false, nil
	}
}
