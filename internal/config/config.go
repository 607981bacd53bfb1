package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig captures all tunable parameters for the driver agent. Values
// come from the environment, optionally seeded from a .env file, with
// defaults that match the production driver app.
type AgentConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ControlToken    string

	APIBaseURL     string
	SocketURL      string
	Token          string
	RequestTimeout time.Duration
	JobRadiusKm    float64

	PollInterval       time.Duration
	OfferTicks         int
	OfferTick          time.Duration
	BroadcastOffers    bool
	MaxOfferDistanceKm float64

	ApprovalTimeout time.Duration
	DefaultTripFee  float64

	LocationBroadcastInterval time.Duration
	LocationRESTInterval      time.Duration

	ProfileRefetchInterval time.Duration
	ProfileMaxRetries      int

	RedisAddr       string
	RedisPassword   string
	RedisProfileKey string
	ProfileCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMURL         string
	DefaultSpeedMps float64
	ETACacheTTL     time.Duration

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:                  "127.0.0.1:7070",
		ReadTimeout:               5 * time.Second,
		WriteTimeout:              30 * time.Second,
		IdleTimeout:               120 * time.Second,
		ShutdownTimeout:           15 * time.Second,
		RequestTimeout:            15 * time.Second,
		JobRadiusKm:               25,
		PollInterval:              30 * time.Second,
		OfferTicks:                30,
		OfferTick:                 time.Second,
		BroadcastOffers:           true,
		ApprovalTimeout:           10 * time.Minute,
		DefaultTripFee:            50,
		LocationBroadcastInterval: 2 * time.Second,
		LocationRESTInterval:      15 * time.Second,
		ProfileRefetchInterval:    time.Minute,
		ProfileMaxRetries:         2,
		RedisProfileKey:           "driverd:profile",
		ProfileCacheTTL:           24 * time.Hour,
		KafkaTopic:                "driver-audit",
		DefaultSpeedMps:           8,
		ETACacheTTL:               2 * time.Minute,
		S3Region:                  "us-east-1",
		LogLevel:                  "info",
	}
}

// LoadAgentConfig reads envFile when given (a missing file is not an error)
// and overlays the environment onto defaults.
// LoadEnvFile loads envFile into the process environment without
// overriding variables already set. A missing file is not an error.
func LoadEnvFile(envFile string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func LoadAgentConfig(envFile string) (AgentConfig, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return AgentConfig{}, err
	}

	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	cfg.ControlToken = os.Getenv("CONTROL_API_TOKEN")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.SocketURL, "SOCKET_URL")
	setStringFromEnv(&cfg.Token, "DRIVER_TOKEN")
	setDurationFromEnv(&cfg.RequestTimeout, "API_REQUEST_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.JobRadiusKm, "JOB_RADIUS_KM", &errs)

	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.OfferTicks, "OFFER_COUNTDOWN_SECONDS", &errs)
	setDurationFromEnv(&cfg.OfferTick, "OFFER_COUNTDOWN_TICK", &errs)
	setBoolFromEnv(&cfg.BroadcastOffers, "BROADCAST_OFFERS", &errs)
	setFloatFromEnv(&cfg.MaxOfferDistanceKm, "MAX_OFFER_DISTANCE_KM", &errs)

	setDurationFromEnv(&cfg.ApprovalTimeout, "NEGOTIATION_APPROVAL_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DefaultTripFee, "DEFAULT_TRIP_FEE", &errs)

	setDurationFromEnv(&cfg.LocationBroadcastInterval, "LOCATION_BROADCAST_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LocationRESTInterval, "LOCATION_REST_INTERVAL", &errs)

	setDurationFromEnv(&cfg.ProfileRefetchInterval, "PROFILE_REFETCH_INTERVAL", &errs)
	setIntFromEnv(&cfg.ProfileMaxRetries, "PROFILE_MAX_RETRIES", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisProfileKey, "REDIS_PROFILE_KEY")
	setDurationFromEnv(&cfg.ProfileCacheTTL, "PROFILE_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.S3Bucket, "S3_BUCKET")
	setStringFromEnv(&cfg.S3Region, "S3_REGION")
	setStringFromEnv(&cfg.S3Endpoint, "S3_ENDPOINT")
	setStringFromEnv(&cfg.S3AccessKey, "S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	setStringFromEnv(&cfg.S3PublicBaseURL, "S3_PUBLIC_BASE_URL")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if cfg.OfferTicks <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_COUNTDOWN_SECONDS must be > 0"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}
	if cfg.ProfileMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("PROFILE_MAX_RETRIES must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
