// Package dedupe provides the Redis-backed idempotency store used by the JobScheduler to
// collapse duplicate index submissions within a TTL window (spec.md §4.11), grounded on the
// teacher's internal/orchestrator.RedisDedupeStore.
package dedupe

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed implementation of scheduler.DedupeStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and pings it to validate the connection before returning.
func NewRedisStore(addr string) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dedupe: redis ping failed: %w", err)
	}
	return &RedisStore{client: c}, nil
}

// Get returns the value stored under key, or "" if absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores value under key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
