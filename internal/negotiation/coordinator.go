package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

var (
	ErrInvalidVolume    = errors.New("volume must be greater than zero")
	ErrWrongStage       = errors.New("volume can only be adjusted once arrived")
	ErrProposalOpen     = errors.New("a volume proposal is already open")
	ErrNoActiveJob      = errors.New("no active job")
	ErrAwaitingApproval = errors.New("waiting for customer to approve the new price")
	ErrApprovalTimeout  = errors.New("customer did not answer the price change in time")
)

// defaultTripFee is what the server charges when a price change is declined
// and the event carries no fee.
const defaultTripFee = 50.0

type Transport interface {
	ProposeVolume(ctx context.Context, jobID string, actualVolume float64) (models.VolumeQuote, error)
}

// JobSource exposes the active job.
type JobSource interface {
	Current() (models.Job, bool)
}

type Listener interface {
	ProposalResolved(p models.VolumeProposal)
}

type Config struct {
	ApprovalTimeout time.Duration
	DefaultTripFee  float64
}

type Snapshot struct {
	Proposal  *models.VolumeProposal `json:"proposal,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

// Coordinator runs the volume/price renegotiation for the active job.
type Coordinator struct {
	cfg       Config
	transport Transport
	jobs      JobSource
	listener  Listener
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	proposal *models.VolumeProposal
	gen      uint64
	timer    *time.Timer
	lastErr  error
}

func NewCoordinator(cfg Config, transport Transport, jobs JobSource, listener Listener, logger *slog.Logger) *Coordinator {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 10 * time.Minute
	}
	if cfg.DefaultTripFee <= 0 {
		cfg.DefaultTripFee = defaultTripFee
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		jobs:      jobs,
		listener:  listener,
		logger:    logger.With("component", "negotiation"),
		now:       time.Now,
	}
}

// Submit proposes the measured volume for the active job.
func (c *Coordinator) Submit(ctx context.Context, volume float64) (models.VolumeProposal, error) {
	if volume <= 0 {
		return models.VolumeProposal{}, ErrInvalidVolume
	}
	job, ok := c.jobs.Current()
	if !ok {
		return models.VolumeProposal{}, ErrNoActiveJob
	}
	if job.Status != models.StatusArrived && job.Status != models.StatusStarted {
		return models.VolumeProposal{}, ErrWrongStage
	}

	c.mu.Lock()
	if c.proposal != nil && c.proposal.Open() {
		c.mu.Unlock()
		return models.VolumeProposal{}, ErrProposalOpen
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.proposal = &models.VolumeProposal{
		JobID:        job.ID,
		ActualVolume: volume,
		State:        models.ProposalSubmitted,
		SubmittedAt:  c.now(),
	}
	c.mu.Unlock()

	quote, err := c.transport.ProposeVolume(ctx, job.ID, volume)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return models.VolumeProposal{}, ErrNoActiveJob
	}
	if err != nil {
		c.proposal = nil
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("volume proposal failed", "job_id", job.ID, "err", err)
		return models.VolumeProposal{}, err
	}
	c.lastErr = nil
	p := c.proposal
	p.NewPrice = quote.NewPrice
	p.OriginalPrice = quote.OriginalPrice
	resolved := quote.AutoApproved || quote.NewPrice <= quote.OriginalPrice
	if resolved {
		p.State = models.ProposalAutoApproved
		p.ResolvedAt = c.now()
	} else {
		p.State = models.ProposalAwaitingApproval
		c.timer = time.AfterFunc(c.cfg.ApprovalTimeout, func() { c.expire(gen) })
	}
	out := *p
	c.mu.Unlock()

	c.logger.Info("volume proposed", "job_id", job.ID, "volume", volume, "new_price", out.NewPrice, "original_price", out.OriginalPrice, "state", out.State)
	if resolved {
		c.finished(out)
	}
	return out, nil
}

// Approved resolves an awaiting proposal after the customer accepted it.
// It reports false when the event did not match the open proposal.
func (c *Coordinator) Approved(jobID string) bool {
	return c.resolve(jobID, func(p *models.VolumeProposal) {
		p.State = models.ProposalApproved
	})
}

// Declined resolves an awaiting proposal after the customer refused it.
// A nil trip fee means the server default applies.
func (c *Coordinator) Declined(jobID string, tripFee *float64) bool {
	fee := c.cfg.DefaultTripFee
	if tripFee != nil {
		fee = *tripFee
	}
	return c.resolve(jobID, func(p *models.VolumeProposal) {
		p.State = models.ProposalDeclined
		p.TripFee = &fee
	})
}

func (c *Coordinator) resolve(jobID string, apply func(*models.VolumeProposal)) bool {
	c.mu.Lock()
	p := c.proposal
	if p == nil || p.JobID != jobID || p.State != models.ProposalAwaitingApproval {
		c.mu.Unlock()
		c.logger.Debug("volume event ignored", "job_id", jobID)
		return false
	}
	c.stopTimerLocked()
	apply(p)
	p.ResolvedAt = c.now()
	out := *p
	c.mu.Unlock()

	c.logger.Info("volume proposal resolved", "job_id", jobID, "state", out.State)
	c.finished(out)
	return true
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	p := c.proposal
	if gen != c.gen || p == nil || p.State != models.ProposalAwaitingApproval {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	fee := c.cfg.DefaultTripFee
	p.State = models.ProposalDeclined
	p.TripFee = &fee
	p.TimedOut = true
	p.ResolvedAt = c.now()
	c.lastErr = ErrApprovalTimeout
	out := *p
	c.mu.Unlock()

	c.logger.Warn("volume approval timed out", "job_id", out.JobID)
	c.finished(out)
}

func (c *Coordinator) finished(p models.VolumeProposal) {
	label := string(p.State)
	if p.TimedOut {
		label = "timed_out"
	}
	observability.NegotiationsTotal.WithLabelValues(label).Inc()
	if c.listener != nil {
		c.listener.ProposalResolved(p)
	}
}

// Blocking holds forward lifecycle progress while the customer decides.
func (c *Coordinator) Blocking(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proposal != nil && c.proposal.JobID == jobID && c.proposal.State == models.ProposalAwaitingApproval {
		return ErrAwaitingApproval
	}
	return nil
}

// Current returns the latest proposal, resolved or not.
func (c *Coordinator) Current() (models.VolumeProposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proposal == nil {
		return models.VolumeProposal{}, false
	}
	return *c.proposal, true
}

// Reset forgets the proposal when the job ends.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.gen++
	c.proposal = nil
	c.lastErr = nil
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Snapshot
	if c.proposal != nil {
		p := *c.proposal
		s.Proposal = &p
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
