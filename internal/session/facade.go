package session

import (
	"context"
	"fmt"

	"github.com/example/driver-dispatch/internal/activejob"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/negotiation"
)

// Snapshot is the full driver-facing view of the session.
type Snapshot struct {
	Online        bool                 `json:"online"`
	Profile       *models.Profile      `json:"profile,omitempty"`
	PushConnected bool                 `json:"push_connected"`
	Tracking      bool                 `json:"tracking"`
	Offer         dispatch.Snapshot    `json:"offer"`
	Job           activejob.Snapshot   `json:"job"`
	Negotiation   negotiation.Snapshot `json:"negotiation"`
	LastError     string               `json:"last_error,omitempty"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{Online: c.online, PushConnected: c.pushOpen && c.deps.Push.Connected()}
	if c.profile != nil {
		p := *c.profile
		s.Profile = &p
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	s.Tracking = c.deps.Publisher.Active()
	s.Offer = c.dispatch.Snapshot()
	s.Job = c.machine.Snapshot()
	s.Negotiation = c.negotiation.Snapshot()
	return s
}

func (c *Coordinator) Accept(ctx context.Context) (models.Job, error) {
	job, err := c.dispatch.Accept(ctx)
	return job, c.observe(ctx, err)
}

func (c *Coordinator) Decline(ctx context.Context) error {
	return c.observe(ctx, c.dispatch.Decline(ctx))
}

func (c *Coordinator) Transition(ctx context.Context, target models.Status) (models.Job, error) {
	job, err := c.machine.RequestTransition(ctx, target)
	return job, c.observe(ctx, err)
}

func (c *Coordinator) AttachPhotos(kind activejob.PhotoKind, urls []string) (models.Job, error) {
	return c.machine.AttachPhotos(kind, urls)
}

// UploadPhoto stores raw image bytes and attaches the resulting url.
func (c *Coordinator) UploadPhoto(ctx context.Context, kind activejob.PhotoKind, data []byte) (models.Job, error) {
	if c.deps.Photos == nil {
		return models.Job{}, ErrNoUploader
	}
	job, ok := c.machine.Current()
	if !ok {
		return models.Job{}, activejob.ErrNoActiveJob
	}
	if kind != activejob.PhotosBefore && kind != activejob.PhotosAfter {
		return models.Job{}, fmt.Errorf("unknown photo kind %q", kind)
	}
	url, err := c.deps.Photos.Upload(ctx, job.ID, string(kind), data)
	if err != nil {
		return models.Job{}, err
	}
	return c.machine.AttachPhotos(kind, []string{url})
}

func (c *Coordinator) SubmitVolume(ctx context.Context, volume float64) (models.VolumeProposal, error) {
	p, err := c.negotiation.Submit(ctx, volume)
	return p, c.observe(ctx, err)
}

func (c *Coordinator) ETA(ctx context.Context) (activejob.ETA, error) {
	return c.machine.ETA(ctx)
}

// IngestLocation accepts a device fix. It reports whether the fix reached
// the publisher; fixes outside tracking only update the known position.
func (c *Coordinator) IngestLocation(s models.LocationSample) (bool, error) {
	if c.deps.Feed == nil {
		return false, ErrNoFeed
	}
	c.notePosition(s.Coord)
	return c.deps.Feed.Feed(s), nil
}

// SetToken stores a new session token and connects the push channel if the
// driver is online without one.
func (c *Coordinator) SetToken(token string) {
	c.deps.Tokens.Set(token)
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.openPushLocked()
}
