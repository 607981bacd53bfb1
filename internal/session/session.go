package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/example/driver-dispatch/internal/activejob"
	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/events"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/negotiation"
	"github.com/example/driver-dispatch/internal/observability"
)

var (
	ErrNotApproved   = errors.New("contractor profile is not approved")
	ErrJobInProgress = errors.New("cannot go offline while a job is in progress")
	ErrNoUploader    = errors.New("photo uploads are not configured")
	ErrNoFeed        = errors.New("location ingress is not configured")
)

// API is the server surface the session and its coordinators use.
type API interface {
	dispatch.Transport
	activejob.Transport
	negotiation.Transport
	AvailableJobs(ctx context.Context) ([]models.Job, error)
	Profile(ctx context.Context) (models.Profile, error)
	SetAvailability(ctx context.Context, online bool) (models.Profile, error)
	UpdateLocation(ctx context.Context, at models.Coord) error
}

// PushChannel is the persistent event connection.
type PushChannel interface {
	Open(ctx context.Context, token string, bus *events.Bus) error
	Close()
	Connected() bool
	JoinRoom(room string) error
	LeaveRoom(room string) error
	BroadcastLocation(b events.LocationBroadcast) error
}

type Tokens interface {
	Token() (string, bool)
	Set(token string)
	Clear()
}

// Publisher is the location publisher; the session is its only caller.
type Publisher interface {
	Start(cb func(models.LocationSample)) error
	Stop()
	Active() bool
}

// Feed accepts device fixes from outside the process.
type Feed interface {
	Feed(s models.LocationSample) bool
}

type Audit interface {
	Publish(ctx context.Context, ev ingest.AuditEvent) error
}

type Uploader interface {
	Upload(ctx context.Context, jobID, kind string, data []byte) (string, error)
}

type Config struct {
	PollInterval              time.Duration
	BroadcastOffers           bool
	MaxOfferDistanceKm        float64
	LocationBroadcastInterval time.Duration
	LocationRESTInterval      time.Duration
	ProfileRefetchInterval    time.Duration
	ProfileMaxRetries         int // 0 means 2; negative disables retries
	// ProfileBackOff builds the retry policy for profile loads.
	ProfileBackOff func() backoff.BackOff
	BusBuffer      int

	Dispatch    dispatch.Config
	Negotiation negotiation.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.LocationBroadcastInterval <= 0 {
		c.LocationBroadcastInterval = 2 * time.Second
	}
	if c.LocationRESTInterval <= 0 {
		c.LocationRESTInterval = 15 * time.Second
	}
	if c.ProfileRefetchInterval <= 0 {
		c.ProfileRefetchInterval = time.Minute
	}
	switch {
	case c.ProfileMaxRetries == 0:
		c.ProfileMaxRetries = 2
	case c.ProfileMaxRetries < 0:
		c.ProfileMaxRetries = 0
	}
	if c.ProfileBackOff == nil {
		c.ProfileBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if c.BusBuffer <= 0 {
		c.BusBuffer = 32
	}
	return c
}

// Deps are the collaborators the session wires together. API, Push, Tokens
// and Publisher are required.
type Deps struct {
	API       API
	Push      PushChannel
	Tokens    Tokens
	Publisher Publisher
	Feed      Feed
	Profiles  cache.ProfileCache
	History   activejob.History
	Estimator activejob.Estimator
	Audit     Audit
	Photos    Uploader
	Logger    *slog.Logger
}

// Coordinator is the driver session: online/offline state, the background
// poller and push pumps, and the single owner of the dispatch, active job and
// negotiation coordinators.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	dispatch    *dispatch.Coordinator
	machine     *activejob.Machine
	negotiation *negotiation.Coordinator

	profileFlight singleflight.Group
	broadcastGate *location.Throttle
	restGate      *location.Throttle

	// opMu serializes online, offline and logout.
	opMu sync.Mutex

	mu         sync.Mutex
	online     bool
	profile    *models.Profile
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	bus        *events.Bus
	pumpDone   chan struct{}
	pushCancel context.CancelFunc
	pushOpen   bool
	driverRoom string
	trackJob   string
	position   *models.Coord
	lastErr    error

	// assignWG tracks assigned-job lookups started by the pump.
	assignWG sync.WaitGroup
}

func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With("component", "session"),
		now:           time.Now,
		broadcastGate: location.NewThrottle(cfg.LocationBroadcastInterval),
		restGate:      location.NewThrottle(cfg.LocationRESTInterval),
	}
	var opts []activejob.Option
	if deps.History != nil {
		opts = append(opts, activejob.WithHistory(deps.History))
	}
	if deps.Estimator != nil {
		opts = append(opts, activejob.WithEstimator(deps.Estimator))
	}
	c.machine = activejob.NewMachine(deps.API, c, logger, opts...)
	c.negotiation = negotiation.NewCoordinator(cfg.Negotiation, deps.API, c.machine, c, logger)
	c.machine.SetGate(c.negotiation)
	c.dispatch = dispatch.NewCoordinator(cfg.Dispatch, deps.API, c.machine, c, logger)
	return c
}

// GoOnline loads the profile, marks the driver available, starts polling
// and connects the push channel.
func (c *Coordinator) GoOnline(ctx context.Context) error {
	profile, err := c.loadProfile(ctx)
	if err != nil {
		return c.observe(ctx, err)
	}
	if !profile.Approved() {
		return ErrNotApproved
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.Online() {
		return nil
	}

	updated, err := c.deps.API.SetAvailability(ctx, true)
	if err != nil {
		c.setErr(err)
		return c.observeLocked(ctx, err)
	}
	if updated.ID != "" {
		profile = updated
	}
	c.storeProfile(ctx, profile)

	c.mu.Lock()
	c.online = true
	c.profile = &profile
	c.lastErr = nil
	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	go c.pollLoop(pollCtx, c.pollDone)
	c.mu.Unlock()

	observability.SessionOnline.Set(1)
	c.logger.Info("online", "contractor_id", profile.ID)
	c.audit("session.online", "", nil)

	c.openPushLocked()
	return nil
}

// GoOffline tears down background work in reverse start order and marks the
// driver unavailable. It refuses while a job is active.
func (c *Coordinator) GoOffline(ctx context.Context) error {
	if c.machine.HasActive() {
		return ErrJobInProgress
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.Online() {
		return nil
	}
	c.teardown()
	if _, err := c.deps.API.SetAvailability(ctx, false); err != nil {
		c.logger.Warn("set offline failed", "err", err)
	}
	c.logger.Info("offline")
	c.audit("session.offline", "", nil)
	return nil
}

// Logout drops everything the session holds, including the token and the
// cached profile. It makes no REST calls.
func (c *Coordinator) Logout(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.logoutLocked(ctx)
}

func (c *Coordinator) logoutLocked(ctx context.Context) {
	c.machine.Teardown()
	c.negotiation.Reset()
	c.teardown()
	c.deps.Tokens.Clear()
	if c.deps.Profiles != nil {
		if err := c.deps.Profiles.Clear(ctx); err != nil {
			c.logger.Warn("profile cache clear failed", "err", err)
		}
	}
	c.mu.Lock()
	c.profile = nil
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("logged out")
	c.audit("session.logout", "", nil)
}

// Close stops background work at process exit. The token and any active job
// are left alone.
func (c *Coordinator) Close(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.Online() {
		return
	}
	c.teardown()
	if !c.machine.HasActive() {
		if _, err := c.deps.API.SetAvailability(ctx, false); err != nil {
			c.logger.Warn("set offline failed", "err", err)
		}
	}
}

// teardown stops polling, leaves rooms, disconnects the push channel, stops
// location publishing and drops any pending offer. Callers hold opMu.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	cancel, pollDone := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	room := c.driverRoom
	c.driverRoom = ""
	bus, pumpDone, pushCancel := c.bus, c.pumpDone, c.pushCancel
	c.bus, c.pumpDone, c.pushCancel = nil, nil, nil
	pushOpen := c.pushOpen
	c.pushOpen = false
	c.online = false
	c.trackJob = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-pollDone
	}
	if pushOpen {
		if room != "" {
			_ = c.deps.Push.LeaveRoom(room)
		}
		c.deps.Push.Close()
	}
	if pushCancel != nil {
		pushCancel()
	}
	if bus != nil {
		bus.Close()
		<-pumpDone
	}
	c.assignWG.Wait()
	c.deps.Publisher.Stop()
	c.dispatch.Reset()
	observability.SessionOnline.Set(0)
}

func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Coordinator) contractorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ""
	}
	return c.profile.ID
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Coordinator) audit(typ, jobID string, data map[string]any) {
	if c.deps.Audit == nil {
		return
	}
	ev := ingest.NewAuditEvent(typ, c.contractorID(), jobID, data)
	go func() {
		if err := c.deps.Audit.Publish(context.Background(), ev); err != nil {
			c.logger.Debug("audit publish failed", "type", typ, "err", err)
		}
	}()
}
