package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis so that
// multiple gate processes share one attempt budget per transaction.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore implements LimiterStore on Redis.
type RedisLimiterStore struct {
	client *redis.Client
	policy LimiterPolicy
	prefix string
}

// NewRedisLimiterStore creates a Redis-backed limiter.
func NewRedisLimiterStore(client *redis.Client, policy LimiterPolicy) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, policy: policy, prefix: "txgate:attempts:"}
}

// Allow implements LimiterStore. Errors are surfaced, not swallowed; the
// gate treats an unavailable limiter as a soft denial.
func (s *RedisLimiterStore) Allow(ctx context.Context, key string, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		s.policy.RatePerSec, s.policy.Burst, cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}
