package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corsfix/proxy/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// slidingWindowScript implements a sliding window log using a sorted set.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
local allowed = 0

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    count = count + 1
    allowed = 1
end

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end

local remaining = limit - count
if remaining < 0 then
    remaining = 0
end
return {allowed, remaining, reset}
`)

// RedisLimiter is a distributed limiter shared by every proxy instance.
// Redis errors and an open breaker fail open.
type RedisLimiter struct {
	client  redis.Scripter
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[[]int64]
	now     func() time.Time
}

// RedisLimiterConfig holds config for creating a RedisLimiter.
type RedisLimiterConfig struct {
	Client  redis.Scripter
	Timeout time.Duration
	// MaxFailures consecutive errors open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// NewRedisLimiter creates a new Redis-backed rate limiter.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	maxFailures := cfg.MaxFailures
	return &RedisLimiter{
		client:  cfg.Client,
		timeout: cfg.Timeout,
		now:     time.Now,
		breaker: gobreaker.NewCircuitBreaker[[]int64](gobreaker.Settings{
			Name:        "ratelimit-redis",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			// A caller hanging up says nothing about Redis health
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Check runs the sliding window script for cfg.
func (rl *RedisLimiter) Check(ctx context.Context, cfg Config) (Decision, error) {
	now := rl.now()

	result, err := rl.breaker.Execute(func() ([]int64, error) {
		ctx, cancel := context.WithTimeout(ctx, rl.timeout)
		defer cancel()

		res, err := slidingWindowScript.Run(ctx, rl.client,
			[]string{cfg.namespacedKey()},
			now.UnixMilli(),
			Window.Milliseconds(),
			cfg.RPM,
		).Int64Slice()
		if err != nil {
			return nil, err
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("unexpected script result length %d", len(res))
		}
		return res, nil
	})
	if err != nil {
		// Fail open: if Redis is unreachable, allow the request
		logging.Warn("Redis rate limit unavailable, failing open",
			zap.String("key", cfg.Key),
			zap.Error(err),
		)
		return allowAll(cfg, now), nil
	}

	return Decision{
		Allowed:   result[0] == 1,
		Limit:     cfg.RPM,
		Remaining: int(result[1]),
		Reset:     time.UnixMilli(result[2]),
	}, nil
}

// State returns the breaker state, for health reporting.
func (rl *RedisLimiter) State() gobreaker.State {
	return rl.breaker.State()
}
