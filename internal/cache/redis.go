package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	Client *redis.Client
}

var _ Store = (*Redis)(nil)

// Conditional decrement. Returns {1, new} on success, {0, current} otherwise.
var decrIfSufficientScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < amount then
    return {0, current}
end
local new_value = redis.call('DECRBY', KEYS[1], amount)
return {1, new_value}
`)

// ARGV[3] is a TTL in milliseconds; 0 keeps the key persistent.
var compareAndSwapScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Marker swap plus counter increment. INCRBY runs before SET so a
// non-integer counter aborts the script before anything is written.
// Returns {1, counter} on success, {0, 0} when the marker does not match.
var swapAndIncrScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return {0, 0}
end
local counter = redis.call('INCRBY', KEYS[2], ARGV[3])
redis.call('SET', KEYS[1], ARGV[2])
return {1, counter}
`)

// New connects to the Redis instance at url (redis:// or rediss://).
func New(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{Client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	n, err := compareAndSwapScript.Run(ctx, r.Client, []string{key}, old, value, ms).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, old string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.Client, []string{key}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cad %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.Client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) SwapAndIncrBy(ctx context.Context, key, old, value, counterKey string, delta int64) (int64, bool, error) {
	res, err := swapAndIncrScript.Run(ctx, r.Client, []string{key, counterKey}, old, value, delta).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis swap and incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis swap and incr %s: unexpected result length %d", key, len(res))
	}
	return res[1], res[0] == 1, nil
}

func (r *Redis) DecrByIfSufficient(ctx context.Context, key string, amount int64) (int64, bool, error) {
	res, err := decrIfSufficientScript.Run(ctx, r.Client, []string{key}, amount).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis conditional decrement %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis conditional decrement %s: unexpected result length %d", key, len(res))
	}
	return res[1], res[0] == 1, nil
}

func (r *Redis) ListPush(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis list push %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.Client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.Client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
