// Package cache keeps computed summary metrics in Redis for a short while so
// dashboards polling the summary do not recompute analytics on every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/runnerr0/presence/internal/metrics"
	"github.com/runnerr0/presence/internal/presence"
)

// SummaryKey is where the population-wide metrics are stored.
const SummaryKey = "presence:summary:all"

// DefaultTTL bounds how stale a cached summary may get.
const DefaultTTL = 30 * time.Second

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache stores summaries as JSON under SummaryKey.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and pings it.
func NewRedisCache(ctx context.Context, opts Options) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns the cached summary. ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context) ([]presence.UserMetrics, bool, error) {
	data, err := c.client.Get(ctx, SummaryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("get summary: %w", err)
	}

	var out []presence.UserMetrics
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("decode summary: %w", err)
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return out, true, nil
}

// Set stores the summary with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, summary []presence.UserMetrics) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return c.client.Set(ctx, SummaryKey, data, c.ttl).Err()
}

// Invalidate drops the cached summary.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, SummaryKey).Err()
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
