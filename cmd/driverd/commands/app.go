package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/events"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/negotiation"
	"github.com/example/driver-dispatch/internal/photos"
	"github.com/example/driver-dispatch/internal/session"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/transport"
)

// Agent is a fully wired driver session and the resources behind it.
type Agent struct {
	Config  config.AgentConfig
	Logger  *slog.Logger
	Session *session.Coordinator

	closers []func() error
}

// NewAgent builds the session from cfg. Optional backends (redis, postgres,
// kafka, osrm, s3) are wired only when configured; a simulated route, when
// given, replaces the external location feed.
func NewAgent(ctx context.Context, cfg config.AgentConfig, route []models.Coord) (*Agent, error) {
	logger := logging.NewLogger(cfg.LogLevel)
	a := &Agent{Config: cfg, Logger: logger}

	tokens := auth.NewTokenStore(cfg.Token)
	api := transport.NewClient(cfg.APIBaseURL, cfg.JobRadiusKm, cfg.RequestTimeout, tokens)
	push := events.NewClient(cfg.SocketURL, logger)

	var (
		sensor location.Sensor
		feed   session.Feed
	)
	if len(route) > 0 {
		sensor = location.NewRouteSensor(route, time.Second)
		logger.Info("using simulated route", "points", len(route))
	} else {
		fs := location.NewFeedSensor()
		sensor, feed = fs, fs
	}

	deps := session.Deps{
		API:       api,
		Push:      push,
		Tokens:    tokens,
		Publisher: location.NewPublisher(sensor),
		Feed:      feed,
		Profiles:  cache.NewMemoryProfileCache(),
		History:   storage.NewMemoryStore(),
		Logger:    logger,
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, caching profile in memory", "addr", cfg.RedisAddr, "err", err)
			_ = rc.Close()
		} else {
			deps.Profiles = cache.NewRedisProfileCache(rc, cfg.RedisProfileKey, cfg.ProfileCacheTTL)
			a.closers = append(a.closers, rc.Close)
		}
	}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, keeping job history in memory", "err", err)
		} else {
			deps.History = ps
			a.closers = append(a.closers, ps.Close)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		deps.Audit = kp
		a.closers = append(a.closers, kp.Close)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	deps.Estimator = est

	if cfg.S3Bucket != "" {
		up, err := photos.NewS3Uploader(photos.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("photo uploader: %w", err)
		}
		deps.Photos = up
	}

	a.Session = session.New(session.Config{
		PollInterval:              cfg.PollInterval,
		BroadcastOffers:           cfg.BroadcastOffers,
		MaxOfferDistanceKm:        cfg.MaxOfferDistanceKm,
		LocationBroadcastInterval: cfg.LocationBroadcastInterval,
		LocationRESTInterval:      cfg.LocationRESTInterval,
		ProfileRefetchInterval:    cfg.ProfileRefetchInterval,
		ProfileMaxRetries:         cfg.ProfileMaxRetries,
		Dispatch:                  dispatch.Config{Ticks: cfg.OfferTicks, Tick: cfg.OfferTick},
		Negotiation:               negotiation.Config{ApprovalTimeout: cfg.ApprovalTimeout, DefaultTripFee: cfg.DefaultTripFee},
	}, deps)
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ParseRoute reads "lat,lng;lat,lng;..." into coordinates.
func ParseRoute(s string) ([]models.Coord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []models.Coord
	for i, pair := range strings.Split(s, ";") {
		parts := strings.Split(strings.TrimSpace(pair), ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("route point %d: want lat,lng, got %q", i, pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("route point %d lat: %w", i, err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("route point %d lng: %w", i, err)
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return nil, fmt.Errorf("route point %d out of range", i)
		}
		out = append(out, models.Coord{Lat: lat, Lon: lng})
	}
	return out, nil
}
