// Package cache stores finished recommendation sets per profile for a
// short window, so repeated lookups do not re-run retrieval, scoring and
// refinement.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subventia/matching-engine/internal/matching"
)

// DefaultTTL is the freshness window of a cached recommendation set. The
// catalog changes slowly; five minutes trades staleness against cost.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "reco:"

// Redis implements matching.RecommendationCache on go-redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Dial connects and pings; the cache is an optimization layer, so callers
// typically treat a dial failure as "run without cache".
func Dial(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, DefaultTTL), nil
}

func (r *Redis) Get(ctx context.Context, profileID string) (*matching.CachedResult, error) {
	payload, err := r.client.Get(ctx, keyPrefix+profileID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var res matching.CachedResult
	if err := json.Unmarshal(payload, &res); err != nil {
		// A corrupt entry is a miss; it will be overwritten on the next
		// write-through.
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &res, nil
}

func (r *Redis) Set(ctx context.Context, profileID string, res matching.CachedResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+profileID, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
