// Package cache is the shared Redis status store: per-digest task
// status for fast duplicate answers and the most recent result for the
// dashboard endpoints. Advisory only; the pipeline works without it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/csvflow/csvflow/pkg/types"
)

const latestResultKey = "latest_result"

type RedisCache struct {
	client *redis.Client
}

// NewRedisClient connects and pings the Redis instance.
func NewRedisClient(host, port, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		DB:           0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// GetStatus gets the status of a task from cache.
// Returns: "queued", "completed", "failed", or empty string if not found.
func (r *RedisCache) GetStatus(ctx context.Context, digest string) (string, error) {
	key := fmt.Sprintf("status:%s", digest)

	status, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil // Not found
	}
	if err != nil {
		return "", fmt.Errorf("failed to get task status from Redis: %w", err)
	}

	return status, nil
}

// SetStatus sets the status of a task in cache.
func (r *RedisCache) SetStatus(ctx context.Context, digest, status string, ttl time.Duration) error {
	key := fmt.Sprintf("status:%s", digest)

	if err := r.client.Set(ctx, key, status, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set task status in Redis: %w", err)
	}

	return nil
}

// DeleteStatus removes a task status from cache.
func (r *RedisCache) DeleteStatus(ctx context.Context, digest string) error {
	key := fmt.Sprintf("status:%s", digest)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete task status from Redis: %w", err)
	}

	return nil
}

// SetLatestResult stores the most recent processing result.
func (r *RedisCache) SetLatestResult(ctx context.Context, result *types.Result, ttl time.Duration) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := r.client.Set(ctx, latestResultKey, body, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest result in Redis: %w", err)
	}

	return nil
}

// GetLatestResult returns the most recent processing result, or nil if
// none has been stored.
func (r *RedisCache) GetLatestResult(ctx context.Context) (*types.Result, error) {
	body, err := r.client.Get(ctx, latestResultKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest result from Redis: %w", err)
	}

	var result types.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest result: %w", err)
	}

	return &result, nil
}
