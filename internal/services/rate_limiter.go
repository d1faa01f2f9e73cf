package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "rate_limit:verify:"

// RateLimiter caps receipt verifications per user in a fixed window.
// Counters live in Redis; without a client every call is allowed.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit calls per window. A
// non-positive limit disables it.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: int64(limit), window: window}
}

// Allow counts one call for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, nil
	}
	redisKey := fmt.Sprintf("%s%s", rateLimitKeyPrefix, key)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("failed to count rate limit: %w", err)
	}
	if count == 1 {
		// 第一次请求时设置窗口过期时间
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			logging.Warnf("Failed to set rate limit window for %s: %v", key, err)
		}
	}
	return count <= r.limit, nil
}

// Reset clears the counter of key.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, rateLimitKeyPrefix+key).Err()
}
