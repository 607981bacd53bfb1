package activejob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/lifecycle"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

var (
	ErrIllegalTransition   = errors.New("illegal lifecycle transition")
	ErrMissingBeforePhotos = errors.New("at least one before photo is required to start")
	ErrMissingAfterPhotos  = errors.New("at least one after photo is required to complete")
	ErrNoActiveJob         = errors.New("no active job")
	ErrJobAlreadyActive    = errors.New("a job is already active")
	ErrNotActivatable      = errors.New("job is not in a driver-held status")
	ErrTransitionInFlight  = errors.New("a status change is already in progress")
	ErrNoJobLocation       = errors.New("job has no coordinates")
	ErrNoPosition          = errors.New("no known device position")
	ErrNoPhotos            = errors.New("no photo urls")
)

// Transport updates job status on the server.
type Transport interface {
	UpdateStatus(ctx context.Context, jobID string, upd models.StatusUpdate) (models.Job, error)
}

// Effects are the side effects a lifecycle entry triggers. The session
// implements them.
type Effects interface {
	StartTracking(job models.Job)
	StopTracking()
	JoinRoom(room string)
	LeaveRoom(room string)
	JobEnded(job models.Job)
}

// Gate can hold forward progress of a job, e.g. while a price change waits
// for customer approval.
type Gate interface {
	Blocking(jobID string) error
}

type History interface {
	SaveTransition(ctx context.Context, rec models.TransitionRecord) error
}

type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) (float64, eta.Source)
}

type PhotoKind string

const (
	PhotosBefore PhotoKind = "before"
	PhotosAfter  PhotoKind = "after"
)

// ETA is a drive time estimate to the active job.
type ETA struct {
	Seconds    float64    `json:"seconds"`
	DistanceKm float64    `json:"distance_km"`
	Source     eta.Source `json:"source"`
}

type Snapshot struct {
	Job       *models.Job   `json:"job,omitempty"`
	InFlight  bool          `json:"in_flight"`
	Tracking  bool          `json:"tracking"`
	Position  *models.Coord `json:"position,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Machine owns the single active job and drives it through its lifecycle.
type Machine struct {
	transport Transport
	effects   Effects
	history   History
	estimator Estimator
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	gate     Gate
	job      *models.Job
	inFlight bool
	tracking bool
	room     string
	position *models.Coord
	lastErr  error
}

type Option func(*Machine)

func WithHistory(h History) Option     { return func(m *Machine) { m.history = h } }
func WithEstimator(e Estimator) Option { return func(m *Machine) { m.estimator = e } }

func NewMachine(transport Transport, effects Effects, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		transport: transport,
		effects:   effects,
		logger:    logger.With("component", "active_job"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetGate installs the gate consulted before forward transitions.
func (m *Machine) SetGate(g Gate) {
	m.mu.Lock()
	m.gate = g
	m.mu.Unlock()
}

// Activate takes ownership of an accepted job.
func (m *Machine) Activate(job models.Job) error {
	if !lifecycle.Active(job.Status) {
		return fmt.Errorf("%w: %s", ErrNotActivatable, job.Status)
	}
	m.mu.Lock()
	if m.job != nil {
		m.mu.Unlock()
		return ErrJobAlreadyActive
	}
	j := job
	m.job = &j
	m.lastErr = nil
	fx := m.claimLocked(lifecycle.Entered(models.StatusPending, job.Status), job)
	m.mu.Unlock()

	m.logger.Info("job activated", "job_id", job.ID, "status", job.Status)
	m.apply(fx, job)
	return nil
}

func (m *Machine) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job != nil
}

// Current returns a copy of the active job.
func (m *Machine) Current() (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return models.Job{}, false
	}
	return *m.job, true
}

// RequestTransition asks the server to move the active job to target.
// Validation errors are returned before any network call; server failures
// leave the local status untouched.
func (m *Machine) RequestTransition(ctx context.Context, target models.Status) (models.Job, error) {
	m.mu.Lock()
	if m.job == nil {
		m.mu.Unlock()
		return models.Job{}, ErrNoActiveJob
	}
	if m.inFlight {
		m.mu.Unlock()
		return models.Job{}, ErrTransitionInFlight
	}
	local := *m.job
	from := local.Status
	if !lifecycle.CanTransition(from, target) {
		m.mu.Unlock()
		observability.TransitionsTotal.WithLabelValues(string(target), "illegal").Inc()
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
	}
	upd := models.StatusUpdate{Status: target}
	switch target {
	case models.StatusStarted:
		if len(local.BeforePhotos) == 0 {
			m.mu.Unlock()
			return models.Job{}, ErrMissingBeforePhotos
		}
		upd.BeforePhotos = local.BeforePhotos
	case models.StatusCompleted:
		if len(local.AfterPhotos) == 0 {
			m.mu.Unlock()
			return models.Job{}, ErrMissingAfterPhotos
		}
		upd.AfterPhotos = local.AfterPhotos
	}
	m.inFlight = true
	gate := m.gate
	m.mu.Unlock()

	if gate != nil && !lifecycle.IsOffRamp(from, target) {
		if err := gate.Blocking(local.ID); err != nil {
			m.finishFailed(err, false)
			return models.Job{}, err
		}
	}

	server, err := m.transport.UpdateStatus(ctx, local.ID, upd)
	if err != nil {
		m.finishFailed(err, true)
		observability.TransitionsTotal.WithLabelValues(string(target), "error").Inc()
		m.logger.Warn("status change failed", "job_id", local.ID, "target", target, "err", err)
		return models.Job{}, err
	}
	if server.ID == "" {
		server.ID = local.ID
	}
	if server.Status == "" {
		server.Status = target
	}
	if len(server.BeforePhotos) == 0 {
		server.BeforePhotos = local.BeforePhotos
	}
	if len(server.AfterPhotos) == 0 {
		server.AfterPhotos = local.AfterPhotos
	}
	if server.Lat == nil || server.Lng == nil {
		server.Lat, server.Lng = local.Lat, local.Lng
	}

	m.mu.Lock()
	m.inFlight = false
	if m.job == nil || m.job.ID != local.ID {
		// torn down while the request was out
		m.mu.Unlock()
		return server, ErrNoActiveJob
	}
	m.lastErr = nil
	fx := m.claimLocked(lifecycle.Entered(from, server.Status), server)
	if lifecycle.Terminal(server.Status) {
		m.job = nil
	} else {
		j := server
		m.job = &j
	}
	m.mu.Unlock()

	observability.TransitionsTotal.WithLabelValues(string(target), "ok").Inc()
	m.logger.Info("status changed", "job_id", server.ID, "from", from, "to", server.Status, "requested", target)
	m.apply(fx, server)
	m.record(ctx, models.TransitionRecord{JobID: server.ID, From: from, To: server.Status, Requested: target, At: m.now()})
	return server, nil
}

func (m *Machine) finishFailed(err error, remember bool) {
	m.mu.Lock()
	m.inFlight = false
	if remember {
		m.lastErr = err
	}
	m.mu.Unlock()
}

// AttachPhotos records uploaded photo urls on the active job.
func (m *Machine) AttachPhotos(kind PhotoKind, urls []string) (models.Job, error) {
	if len(urls) == 0 {
		return models.Job{}, ErrNoPhotos
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return models.Job{}, ErrNoActiveJob
	}
	switch kind {
	case PhotosBefore:
		m.job.BeforePhotos = append(m.job.BeforePhotos, urls...)
	case PhotosAfter:
		m.job.AfterPhotos = append(m.job.AfterPhotos, urls...)
	default:
		return models.Job{}, fmt.Errorf("unknown photo kind %q", kind)
	}
	return *m.job, nil
}

// NotePosition records the last device position.
func (m *Machine) NotePosition(c models.Coord) {
	m.mu.Lock()
	m.position = &c
	m.mu.Unlock()
}

// ETA estimates drive time from the last noted position to the job.
func (m *Machine) ETA(ctx context.Context) (ETA, error) {
	m.mu.Lock()
	if m.job == nil {
		m.mu.Unlock()
		return ETA{}, ErrNoActiveJob
	}
	dest, ok := m.job.Location()
	pos := m.position
	m.mu.Unlock()
	if !ok {
		return ETA{}, ErrNoJobLocation
	}
	if pos == nil {
		return ETA{}, ErrNoPosition
	}
	est := m.estimator
	if est == nil {
		est = &eta.Estimator{}
	}
	secs, src := est.Estimate(ctx, *pos, dest)
	return ETA{Seconds: secs, Source: src, DistanceKm: geo.DistanceKm(*pos, dest)}, nil
}

// Teardown drops the active job locally, undoing tracking and room
// membership without notifying the server.
func (m *Machine) Teardown() {
	m.mu.Lock()
	var fx []lifecycle.Effect
	if m.tracking {
		fx = append(fx, lifecycle.EffectStopTracking)
		m.tracking = false
	}
	room := m.room
	if room != "" {
		fx = append(fx, lifecycle.EffectLeaveRoom)
		m.room = ""
	}
	m.job = nil
	m.inFlight = false
	m.lastErr = nil
	m.mu.Unlock()

	for _, e := range fx {
		switch e {
		case lifecycle.EffectStopTracking:
			m.effects.StopTracking()
		case lifecycle.EffectLeaveRoom:
			m.effects.LeaveRoom(room)
		}
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{InFlight: m.inFlight, Tracking: m.tracking}
	if m.job != nil {
		j := *m.job
		s.Job = &j
	}
	if m.position != nil {
		p := *m.position
		s.Position = &p
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// claimLocked filters effects against what is already in place so that
// tracking and room membership are started and stopped exactly once.
func (m *Machine) claimLocked(fx []lifecycle.Effect, job models.Job) []lifecycle.Effect {
	out := make([]lifecycle.Effect, 0, len(fx))
	for _, e := range fx {
		switch e {
		case lifecycle.EffectStartTracking:
			if m.tracking {
				continue
			}
			m.tracking = true
		case lifecycle.EffectStopTracking:
			if !m.tracking {
				continue
			}
			m.tracking = false
		case lifecycle.EffectJoinRoom:
			if m.room == job.ID {
				continue
			}
			m.room = job.ID
		case lifecycle.EffectLeaveRoom:
			if m.room == "" {
				continue
			}
			m.room = ""
		}
		out = append(out, e)
	}
	return out
}

func (m *Machine) apply(fx []lifecycle.Effect, job models.Job) {
	for _, e := range fx {
		switch e {
		case lifecycle.EffectStartTracking:
			m.effects.StartTracking(job)
		case lifecycle.EffectStopTracking:
			m.effects.StopTracking()
		case lifecycle.EffectJoinRoom:
			m.effects.JoinRoom(job.ID)
		case lifecycle.EffectLeaveRoom:
			m.effects.LeaveRoom(job.ID)
		case lifecycle.EffectReleaseJob:
			m.effects.JobEnded(job)
		}
	}
}

func (m *Machine) record(ctx context.Context, rec models.TransitionRecord) {
	if m.history == nil {
		return
	}
	if err := m.history.SaveTransition(ctx, rec); err != nil {
		m.logger.Warn("history write failed", "job_id", rec.JobID, "err", err)
	}
}
