// Package cache holds the redis-backed rollup cache used by the BPM
// aggregator. Each patient owns one hash; fields are rollup names scoped to
// the record version.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "cardio:rollup:"

// DefaultTTL bounds how long an unused patient hash survives.
const DefaultTTL = 15 * time.Minute

// NewClient builds a redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

type RedisRollupCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRollupCache(client *redis.Client, ttl time.Duration) *RedisRollupCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRollupCache{client: client, ttl: ttl}
}

func rollupKey(patientID uuid.UUID) string {
	return keyPrefix + patientID.String()
}

// Get decodes the cached field into dst. A missing field is a miss, not an error.
func (c *RedisRollupCache) Get(ctx context.Context, patientID uuid.UUID, field string, dst interface{}) (bool, error) {
	raw, err := c.client.HGet(ctx, rollupKey(patientID), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read rollup %s: %w", field, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode rollup %s: %w", field, err)
	}
	return true, nil
}

// Set stores the field and refreshes the hash TTL in one round trip.
func (c *RedisRollupCache) Set(ctx context.Context, patientID uuid.UUID, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode rollup %s: %w", field, err)
	}
	key := rollupKey(patientID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, field, raw)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write rollup %s: %w", field, err)
	}
	return nil
}

// Invalidate drops every rollup of the patient.
func (c *RedisRollupCache) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	if err := c.client.Del(ctx, rollupKey(patientID)).Err(); err != nil {
		return fmt.Errorf("invalidate rollups: %w", err)
	}
	return nil
}
