package session

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/transport"
)

// loadProfile returns the cached profile when it is fresh enough, otherwise
// fetches it. Concurrent callers share one fetch.
func (c *Coordinator) loadProfile(ctx context.Context) (models.Profile, error) {
	if c.deps.Profiles != nil {
		if p, at, ok := c.deps.Profiles.Get(ctx); ok && c.now().Sub(at) < c.cfg.ProfileRefetchInterval {
			observability.ProfileFetches.WithLabelValues("cached").Inc()
			return p, nil
		}
	}
	v, err, shared := c.profileFlight.Do("profile", func() (any, error) {
		return c.fetchProfile(ctx)
	})
	if shared {
		c.logger.Debug("profile fetch shared")
	}
	if err != nil {
		return models.Profile{}, err
	}
	return v.(models.Profile), nil
}

// fetchProfile retries transient failures with backoff up to
// ProfileMaxRetries times; any other error stops immediately.
func (c *Coordinator) fetchProfile(ctx context.Context) (models.Profile, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(c.cfg.ProfileBackOff(), uint64(c.cfg.ProfileMaxRetries)), ctx)
	attempt := 0
	p, err := backoff.RetryWithData(func() (models.Profile, error) {
		attempt++
		p, err := c.deps.API.Profile(ctx)
		if err == nil {
			observability.ProfileFetches.WithLabelValues("ok").Inc()
			return p, nil
		}
		observability.ProfileFetches.WithLabelValues("error").Inc()
		c.logger.Debug("profile fetch failed", "attempt", attempt, "err", err)
		if !transport.IsTransient(err) {
			return models.Profile{}, backoff.Permanent(err)
		}
		return models.Profile{}, err
	}, b)
	if err != nil {
		c.setErr(err)
		c.logger.Warn("profile load failed", "attempts", attempt, "err", err)
		return models.Profile{}, err
	}
	c.storeProfile(ctx, p)
	return p, nil
}

func (c *Coordinator) storeProfile(ctx context.Context, p models.Profile) {
	if c.deps.Profiles == nil {
		return
	}
	if err := c.deps.Profiles.Set(ctx, p, c.now()); err != nil {
		c.logger.Debug("profile cache write failed", "err", err)
	}
}

func (c *Coordinator) observe(ctx context.Context, err error) error {
	if err != nil && transport.IsUnauthorized(err) {
		c.logger.Warn("unauthorized, logging out", "err", err)
		c.Logout(ctx)
	}
	return err
}

// observeLocked is observe for callers already holding opMu.
func (c *Coordinator) observeLocked(ctx context.Context, err error) error {
	if err != nil && transport.IsUnauthorized(err) {
		c.logger.Warn("unauthorized, logging out", "err", err)
		c.logoutLocked(ctx)
	}
	return err
}

// forceLogout is used by background loops, which must not wait on
// themselves during teardown.
func (c *Coordinator) forceLogout() {
	go c.Logout(context.Background())
}
