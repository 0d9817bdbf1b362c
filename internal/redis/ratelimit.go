package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and records the request only when
// it fits, all in one round trip.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[4])
return {1, count + 1}
`)

// RateLimiter implements sliding window rate limiting with a Redis sorted set.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow records one request for key if it fits in the current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	redisKey := "ratelimit:" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixNano(),
		windowStart.UnixNano(),
		r.config.Limit,
		(r.config.Window + time.Second).Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	allowed := res[0] == 1
	count := int(res[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
