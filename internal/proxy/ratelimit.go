package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/logging"
)

// RateLimiter is a per-wallet sliding window kept in a Redis sorted set
type RateLimiter struct {
	redis  *cache.Redis
	limit  int
	window time.Duration
	now    func() time.Time
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redis *cache.Redis, cfg *config.RateLimitConfig) *RateLimiter {
	r := &RateLimiter{
		redis:  redis,
		limit:  120,
		window: time.Minute,
		now:    time.Now,
	}
	if cfg != nil {
		if cfg.WalletRequests > 0 {
			r.limit = cfg.WalletRequests
		}
		if cfg.WalletWindow > 0 {
			r.window = cfg.WalletWindow
		}
	}
	return r
}

func rateLimitKey(wallet string) string {
	return cache.RateLimitKeyPrefix + wallet
}

// Trim, count and add in one step. Scores are unix microseconds.
// Returns {1, count} when admitted, {0, count, oldest} when the window is full.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    return {0, count, tonumber(oldest[2] or ARGV[1])}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// Check counts a request for wallet if it fits in the window. Redis errors
// fail open.
func (r *RateLimiter) Check(ctx context.Context, wallet string) (*RateLimitResult, error) {
	now := r.now()
	member := fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, r.redis.Client, []string{rateLimitKey(wallet)},
		now.UnixMicro(),
		now.Add(-r.window).UnixMicro(),
		r.limit,
		member,
		(r.window * 2).Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) < 2 {
		log.Error().Err(err).Str("wallet", logging.MaskWallet(wallet)).Msg("Failed to check rate limit")
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int64(r.limit),
			Limit:     r.limit,
		}, nil
	}

	result := &RateLimitResult{
		Limit:   r.limit,
		ResetAt: now.Add(r.window),
	}
	if res[0] == 1 {
		result.Allowed = true
		result.Remaining = max(int64(r.limit)-res[1], 0)
		return result, nil
	}

	result.RetryAfter = r.window
	if len(res) > 2 {
		result.RetryAfter = time.UnixMicro(res[2]).Add(r.window).Sub(now)
	}
	if result.RetryAfter <= 0 {
		result.RetryAfter = time.Second
	}
	result.ResetAt = now.Add(result.RetryAfter)
	return result, nil
}

// Reset clears the window for wallet
func (r *RateLimiter) Reset(ctx context.Context, wallet string) error {
	return r.redis.Client.Del(ctx, rateLimitKey(wallet)).Err()
}

// GetStatus reports the window for wallet without counting a request
func (r *RateLimiter) GetStatus(ctx context.Context, wallet string) (*RateLimitResult, error) {
	now := r.now()
	count, err := r.redis.Client.ZCount(ctx, rateLimitKey(wallet),
		"("+strconv.FormatInt(now.Add(-r.window).UnixMicro(), 10),
		strconv.FormatInt(now.UnixMicro(), 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit status: %w", err)
	}
	return &RateLimitResult{
		Allowed:   count < int64(r.limit),
		Remaining: max(int64(r.limit)-count, 0),
		Limit:     r.limit,
		ResetAt:   now.Add(r.window),
	}, nil
}
