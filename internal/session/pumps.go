package session

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/events"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/transport"
)

func (c *Coordinator) pollLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	c.pollOnce(ctx)
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches available jobs and presents the best one. Nothing is
// fetched while an offer or a job is already on screen.
func (c *Coordinator) pollOnce(ctx context.Context) {
	if c.machine.HasActive() || c.dispatch.Snapshot().State != dispatch.StateIdle {
		return
	}
	start := time.Now()
	jobs, err := c.deps.API.AvailableJobs(ctx)
	observability.PollLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.setErr(err)
		c.logger.Warn("poll failed", "err", err)
		if transport.IsUnauthorized(err) {
			c.forceLogout()
		}
		return
	}
	offer, ok := c.picker().Pick(jobs, c.lastPosition())
	if !ok {
		return
	}
	c.dispatch.Present(offer)
}

func (c *Coordinator) picker() matcher.Picker {
	return matcher.Picker{
		ContractorID:  c.contractorID(),
		Broadcast:     c.cfg.BroadcastOffers,
		MaxDistanceKm: c.cfg.MaxOfferDistanceKm,
		Skip:          c.dispatch.Recent,
	}
}

// openPushLocked connects the push channel when online with both a token
// and a contractor id. Callers hold opMu.
func (c *Coordinator) openPushLocked() {
	c.mu.Lock()
	skip := !c.online || c.pushOpen
	c.mu.Unlock()
	if skip {
		return
	}
	token, ok := c.deps.Tokens.Token()
	id := c.contractorID()
	if !ok || id == "" {
		c.logger.Warn("push channel not opened", "has_token", ok, "contractor_id", id)
		return
	}

	bus := events.NewBus(c.cfg.BusBuffer)
	bus.OnDrop(func(k events.Kind) {
		c.logger.Warn("push event dropped", "event", k)
	})
	sub := bus.SubscribeQueued()
	if err := c.deps.Push.Open(context.Background(), token, bus); err != nil {
		bus.Close()
		c.setErr(err)
		c.logger.Warn("push channel open failed", "err", err)
		return
	}
	room := "driver:" + id
	if err := c.deps.Push.JoinRoom(room); err != nil {
		c.logger.Warn("join driver room failed", "room", room, "err", err)
	}

	done := make(chan struct{})
	pushCtx, pushCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.bus = bus
	c.pumpDone = done
	c.pushCancel = pushCancel
	c.pushOpen = true
	c.driverRoom = room
	c.mu.Unlock()
	go c.pump(pushCtx, sub, done)
}

// pump routes push events to their coordinators until the bus is closed.
// Nothing on this goroutine waits on the network.
func (c *Coordinator) pump(ctx context.Context, sub *events.Subscription, done chan<- struct{}) {
	defer close(done)
	for ev := range sub.C {
		observability.PushEvents.WithLabelValues(string(ev.Kind)).Inc()
		c.handleEvent(ctx, ev)
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindJobAlert:
		if ev.Job == nil {
			return
		}
		job := *ev.Job
		me := c.contractorID()
		direct := me != "" && job.DriverID == me && job.Status == models.StatusAssigned
		c.dispatch.Present(models.Offer{Job: job, Direct: direct})
	case events.KindJobAssigned:
		c.assignWG.Add(1)
		go func() {
			defer c.assignWG.Done()
			c.presentAssigned(ctx, ev.JobID)
		}()
	case events.KindVolumeApproved:
		c.negotiation.Approved(ev.JobID)
	case events.KindVolumeDeclined:
		c.negotiation.Declined(ev.JobID, ev.TripFee)
	case events.KindConnected:
		c.logger.Info("push channel connected")
	case events.KindDisconnected:
		c.logger.Warn("push channel disconnected")
	}
}

func (c *Coordinator) presentAssigned(push context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(push, 15*time.Second)
	defer cancel()
	if _, err := c.dispatch.PresentAssigned(ctx, jobID); err != nil {
		if push.Err() != nil {
			return // push channel torn down
		}
		c.logger.Warn("assigned job lookup failed", "job_id", jobID, "err", err)
		if transport.IsUnauthorized(err) {
			c.forceLogout()
		}
	}
}
