package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

type State string

const (
	StateIdle         State = "idle"
	StateOfferPending State = "offer_pending"
	StateAccepting    State = "accepting"
)

// Outcome is how an offer left the pending state.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDeclined Outcome = "declined"
	OutcomeExpired  Outcome = "expired"
	OutcomeFailed   Outcome = "failed"
)

var (
	ErrNoOffer    = errors.New("no pending offer")
	ErrOfferReset = errors.New("offer was reset while accepting")
)

// Transport is the slice of the job API the coordinator needs.
type Transport interface {
	FindJob(ctx context.Context, jobID string) (models.Job, error)
	Accept(ctx context.Context, jobID string) (models.Job, error)
	Decline(ctx context.Context, jobID string) error
}

// Activator takes ownership of an accepted job.
type Activator interface {
	Activate(job models.Job) error
	HasActive() bool
}

// Listener is told about offers as they come and go. Calls are made without
// the coordinator lock held.
type Listener interface {
	OfferPresented(offer models.Offer)
	OfferResolved(offer models.Offer, outcome Outcome, err error)
}

type Config struct {
	Ticks     int           // countdown length
	Tick      time.Duration // countdown step
	RecentTTL time.Duration // how long a resolved job id is remembered
}

func (c Config) withDefaults() Config {
	if c.Ticks <= 0 {
		c.Ticks = 30
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.RecentTTL <= 0 {
		c.RecentTTL = 10 * time.Minute
	}
	return c
}

// Snapshot is a point-in-time copy of the coordinator state.
type Snapshot struct {
	State     State         `json:"state"`
	Offer     *models.Offer `json:"offer,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Coordinator owns the single outstanding job offer and its countdown.
type Coordinator struct {
	cfg       Config
	transport Transport
	activator Activator
	listener  Listener
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   State
	offer   *models.Offer
	gen     uint64
	stop    chan struct{}
	lastErr error
	recent  map[string]time.Time
}

func NewCoordinator(cfg Config, transport Transport, activator Activator, listener Listener, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		transport: transport,
		activator: activator,
		listener:  listener,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
		state:     StateIdle,
		recent:    make(map[string]time.Time),
	}
}

// Present shows an offer to the driver and starts its countdown. It reports
// false when the offer was ignored.
func (c *Coordinator) Present(offer models.Offer) bool {
	c.mu.Lock()
	if reason := c.rejectLocked(offer.Job.ID); reason != "" {
		c.mu.Unlock()
		observability.OffersIgnored.WithLabelValues(reason).Inc()
		c.logger.Debug("offer ignored", "job_id", offer.Job.ID, "reason", reason)
		return false
	}
	c.gen++
	offer.Remaining = c.cfg.Ticks
	offer.Deadline = c.now().Add(time.Duration(c.cfg.Ticks) * c.cfg.Tick)
	held := offer
	c.offer = &held
	c.state = StateOfferPending
	c.stop = make(chan struct{})
	go c.countdown(c.gen, c.stop)
	c.mu.Unlock()

	kind := "broadcast"
	if offer.Direct {
		kind = "direct"
	}
	observability.OffersPresented.WithLabelValues(kind).Inc()
	c.logger.Info("offer presented", "job_id", offer.Job.ID, "direct", offer.Direct, "deadline", offer.Deadline)
	if c.listener != nil {
		c.listener.OfferPresented(offer)
	}
	return true
}

// PresentAssigned looks up a job the server assigned to this driver and
// presents it as a direct offer.
func (c *Coordinator) PresentAssigned(ctx context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	reason := c.rejectLocked(jobID)
	c.mu.Unlock()
	if reason != "" {
		observability.OffersIgnored.WithLabelValues(reason).Inc()
		return false, nil
	}
	job, err := c.transport.FindJob(ctx, jobID)
	if err != nil {
		c.setErr(err)
		return false, err
	}
	return c.Present(models.Offer{Job: job, Direct: true}), nil
}

// Recent reports whether jobID was resolved within RecentTTL; such jobs are
// not offered again.
func (c *Coordinator) Recent(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.recent[jobID]
	return ok
}

func (c *Coordinator) pruneLocked() {
	now := c.now()
	for id, at := range c.recent {
		if now.Sub(at) > c.cfg.RecentTTL {
			delete(c.recent, id)
		}
	}
}

// rejectLocked returns why an offer for jobID cannot be shown, or "".
func (c *Coordinator) rejectLocked(jobID string) string {
	if c.activator != nil && c.activator.HasActive() {
		return "job_active"
	}
	if c.state != StateIdle {
		return "offer_pending"
	}
	c.pruneLocked()
	if _, ok := c.recent[jobID]; ok {
		return "duplicate"
	}
	return ""
}

// Accept accepts the pending offer. On success the server's job is handed to
// the activator; on failure the offer is dropped and not retried.
func (c *Coordinator) Accept(ctx context.Context) (models.Job, error) {
	c.mu.Lock()
	if c.state != StateOfferPending {
		c.mu.Unlock()
		return models.Job{}, ErrNoOffer
	}
	c.stopCountdownLocked()
	c.state = StateAccepting
	offer := *c.offer
	gen := c.gen
	c.mu.Unlock()

	job, err := c.transport.Accept(ctx, offer.Job.ID)
	if err == nil {
		c.mu.Lock()
		if gen != c.gen {
			err = ErrOfferReset
		}
		c.mu.Unlock()
		if err != nil {
			c.abandon(offer.Job.ID, err)
		}
	}
	// The state stays accepting until the job is activated, so no other
	// offer can be presented in between.
	if err == nil && c.activator != nil {
		if err = c.activator.Activate(job); err != nil {
			c.abandon(offer.Job.ID, err)
		}
	}

	c.mu.Lock()
	if gen == c.gen {
		c.clearLocked(offer.Job.ID)
	}
	c.mu.Unlock()

	if err != nil {
		c.setErr(err)
		c.resolved(offer, OutcomeFailed, err)
		return models.Job{}, err
	}
	c.setErr(nil)
	c.resolved(offer, OutcomeAccepted, nil)
	return job, nil
}

// abandon hands back a job the server gave us but we could not keep. It is
// best effort; the caller reports cause.
func (c *Coordinator) abandon(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.transport.Decline(ctx, jobID); err != nil {
		c.logger.Warn("could not hand back accepted job", "job_id", jobID, "cause", cause, "err", err)
		return
	}
	c.logger.Info("accepted job handed back", "job_id", jobID, "cause", cause)
}

// Decline rejects the pending offer. Only direct assignments are declined on
// the server; broadcast offers are dropped locally.
func (c *Coordinator) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateOfferPending {
		c.mu.Unlock()
		return ErrNoOffer
	}
	offer := *c.offer
	c.stopCountdownLocked()
	c.clearLocked(offer.Job.ID)
	c.mu.Unlock()

	err := c.declineRemote(ctx, offer)
	c.resolved(offer, OutcomeDeclined, err)
	return err
}

// Reset drops any offer without talking to the server.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCountdownLocked()
	c.gen++
	c.offer = nil
	c.state = StateIdle
	c.lastErr = nil
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state}
	if c.offer != nil {
		o := *c.offer
		s.Offer = &o
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) countdown(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !c.tick(gen) {
				return
			}
		}
	}
}

// tick advances the countdown; it reports false once the countdown is over.
func (c *Coordinator) tick(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOfferPending {
		c.mu.Unlock()
		return false
	}
	c.offer.Remaining--
	if c.offer.Remaining > 0 {
		c.mu.Unlock()
		return true
	}
	offer := *c.offer
	c.stop = nil // the countdown goroutine exits on its own
	c.clearLocked(offer.Job.ID)
	c.mu.Unlock()

	c.logger.Info("offer expired", "job_id", offer.Job.ID, "direct", offer.Direct)
	err := c.declineRemote(context.Background(), offer)
	c.resolved(offer, OutcomeExpired, err)
	return false
}

func (c *Coordinator) declineRemote(ctx context.Context, offer models.Offer) error {
	if !offer.Direct {
		return nil
	}
	err := c.transport.Decline(ctx, offer.Job.ID)
	c.setErr(err)
	if err != nil {
		c.logger.Warn("decline failed", "job_id", offer.Job.ID, "err", err)
	}
	return err
}

func (c *Coordinator) resolved(offer models.Offer, outcome Outcome, err error) {
	observability.OffersResolved.WithLabelValues(string(outcome)).Inc()
	c.logger.Info("offer resolved", "job_id", offer.Job.ID, "outcome", outcome)
	if c.listener != nil {
		c.listener.OfferResolved(offer, outcome, err)
	}
}

func (c *Coordinator) stopCountdownLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Coordinator) clearLocked(jobID string) {
	c.offer = nil
	c.state = StateIdle
	c.recent[jobID] = c.now()
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
