// Package ratelimit implements a sliding-window rate limiter over Redis
// sorted sets. One key per client; members are request timestamps.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before retrying.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Limiter checks request budgets against Redis. Redis being unavailable
// never blocks ingestion: checks fail open with a warning.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Limiter from a Redis URL such as redis://localhost:6379/0.
func New(url string, logger *slog.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Limiter{
		client: redis.NewClient(opts),
		logger: logger,
		now:    time.Now,
	}, nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger, now: time.Now}
}

// Check records one request against the key and reports whether it fits the
// budget of limit requests per window.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := l.now().UTC()
	cutoff := now.Add(-window)

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Rate limit check failed, allowing request", "key", key, "error", err)
		return Decision{Allowed: true}
	}

	count := countCmd.Val()
	if count <= int64(limit) {
		return Decision{Allowed: true}
	}

	// Over budget: remove our own member so rejected requests don't consume
	// quota, and derive Retry-After from the oldest surviving entry.
	if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
		l.logger.Warn("Failed to roll back rate limit entry", "key", key, "error", err)
	}

	retryAfter := window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		retryAfter = oldestAt.Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Health verifies the Redis connection.
func (l *Limiter) Health(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Limiter) Close() error {
	return l.client.Close()
}
