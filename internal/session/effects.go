package session

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/events"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/transport"
)

// StartTracking implements activejob.Effects.
func (c *Coordinator) StartTracking(job models.Job) {
	c.mu.Lock()
	c.trackJob = job.ID
	c.mu.Unlock()
	c.broadcastGate.Reset()
	c.restGate.Reset()
	if err := c.deps.Publisher.Start(c.onSample); err != nil {
		c.setErr(err)
		c.logger.Error("location tracking failed to start", "job_id", job.ID, "err", err)
		return
	}
	c.logger.Info("location tracking started", "job_id", job.ID)
}

// StopTracking implements activejob.Effects.
func (c *Coordinator) StopTracking() {
	c.deps.Publisher.Stop()
	c.mu.Lock()
	jobID := c.trackJob
	c.trackJob = ""
	c.mu.Unlock()
	c.logger.Info("location tracking stopped", "job_id", jobID)
}

// JoinRoom implements activejob.Effects.
func (c *Coordinator) JoinRoom(room string) {
	if err := c.deps.Push.JoinRoom(room); err != nil {
		c.logger.Warn("join room failed", "room", room, "err", err)
	}
}

// LeaveRoom implements activejob.Effects.
func (c *Coordinator) LeaveRoom(room string) {
	if err := c.deps.Push.LeaveRoom(room); err != nil {
		c.logger.Warn("leave room failed", "room", room, "err", err)
	}
}

// JobEnded implements activejob.Effects.
func (c *Coordinator) JobEnded(job models.Job) {
	c.negotiation.Reset()
	c.logger.Info("job ended", "job_id", job.ID, "status", job.Status)
	c.audit("job.ended", job.ID, map[string]any{"status": job.Status})
}

// OfferPresented implements dispatch.Listener.
func (c *Coordinator) OfferPresented(o models.Offer) {
	c.audit("offer.presented", o.Job.ID, map[string]any{"direct": o.Direct, "deadline": o.Deadline})
}

// OfferResolved implements dispatch.Listener.
func (c *Coordinator) OfferResolved(o models.Offer, outcome dispatch.Outcome, err error) {
	data := map[string]any{"direct": o.Direct}
	if err != nil {
		data["error"] = err.Error()
	}
	c.audit("offer."+string(outcome), o.Job.ID, data)
	// expiry runs on the countdown goroutine, so nothing else observes it
	if outcome == dispatch.OutcomeExpired && transport.IsUnauthorized(err) {
		c.forceLogout()
	}
}

// ProposalResolved implements negotiation.Listener.
func (c *Coordinator) ProposalResolved(p models.VolumeProposal) {
	data := map[string]any{
		"state":          p.State,
		"new_price":      p.NewPrice,
		"original_price": p.OriginalPrice,
		"timed_out":      p.TimedOut,
	}
	if p.TripFee != nil {
		data["trip_fee"] = *p.TripFee
	}
	c.audit("volume."+string(p.State), p.JobID, data)
}

// onSample fans one tracked fix out to the push channel and the REST
// endpoint, each on its own throttle.
func (c *Coordinator) onSample(s models.LocationSample) {
	c.notePosition(s.Coord)

	c.mu.Lock()
	jobID := c.trackJob
	c.mu.Unlock()
	id := c.contractorID()
	now := c.now()

	if c.deps.Push.Connected() && c.broadcastGate.Allow(now) {
		err := c.deps.Push.BroadcastLocation(events.LocationBroadcast{
			ContractorID: id,
			Lat:          s.Lat,
			Lng:          s.Lon,
			JobID:        jobID,
			Heading:      s.Heading,
			Speed:        s.Speed,
		})
		if err != nil {
			observability.LocationSamples.WithLabelValues("push", "dropped").Inc()
			c.logger.Debug("location broadcast dropped", "err", err)
		} else {
			observability.LocationSamples.WithLabelValues("push", "sent").Inc()
		}
	}
	if c.restGate.Allow(now) {
		go c.writeLocation(s.Coord)
	}
}

func (c *Coordinator) writeLocation(at models.Coord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.API.UpdateLocation(ctx, at); err != nil {
		observability.LocationSamples.WithLabelValues("rest", "dropped").Inc()
		c.logger.Debug("location write dropped", "err", err)
		return
	}
	observability.LocationSamples.WithLabelValues("rest", "sent").Inc()
}

func (c *Coordinator) notePosition(at models.Coord) {
	c.mu.Lock()
	c.position = &at
	c.mu.Unlock()
	c.machine.NotePosition(at)
}

func (c *Coordinator) lastPosition() *models.Coord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position == nil {
		return nil
	}
	p := *c.position
	return &p
}
