package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitPrefix namespaces the sliding window keys
const RateLimitPrefix = "audit:ratelimit:"

// RateLimiter is a sliding window limiter shared by every API replica
// through Redis sorted sets
type RateLimiter struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a Redis backed rate limiter
func NewRateLimiter(client *redis.Client, logger *zap.Logger) (*RateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &RateLimiter{client: client, logger: logger, now: time.Now}, nil
}

// Allow records a request for key and reports whether it fits within limit
// requests per window. Rejected requests are not counted.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := r.now()
	rateKey := RateLimitPrefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8]

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateKey, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateKey)
	pipe.ZAdd(ctx, rateKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.PExpire(ctx, rateKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		if err := r.client.ZRem(ctx, rateKey, member).Err(); err != nil {
			r.logger.Warn("Failed to discard rejected request", zap.String("key", key), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// Remaining returns how many requests key may still make in the window
func (r *RateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	rateKey := RateLimitPrefix + key
	cutoff := strconv.FormatInt(r.now().Add(-window).UnixNano(), 10)
	count, err := r.client.ZCount(ctx, rateKey, "("+cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return max(limit-int(count), 0), nil
}

// Reset clears the window for key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}
