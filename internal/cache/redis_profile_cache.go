package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

type cachedProfile struct {
	Profile   models.Profile `json:"profile"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// RedisProfileCache keeps the profile in redis so a restarted agent can skip
// the first fetch. Redis errors read as a miss.
type RedisProfileCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisProfileCache(client *redis.Client, key string, ttl time.Duration) *RedisProfileCache {
	if key == "" {
		key = "driverd:profile"
	}
	return &RedisProfileCache{client: client, key: key, ttl: ttl}
}

func (r *RedisProfileCache) Get(ctx context.Context) (models.Profile, time.Time, bool) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		return models.Profile{}, time.Time{}, false
	}
	var cp cachedProfile
	if err := json.Unmarshal(b, &cp); err != nil {
		return models.Profile{}, time.Time{}, false
	}
	return cp.Profile, cp.FetchedAt, true
}

func (r *RedisProfileCache) Set(ctx context.Context, p models.Profile, at time.Time) error {
	b, err := json.Marshal(cachedProfile{Profile: p, FetchedAt: at})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, b, r.ttl).Err()
}

func (r *RedisProfileCache) Clear(ctx context.Context) error {
	err := r.client.Del(ctx, r.key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
