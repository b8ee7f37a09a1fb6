package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// multiBucketScript extends the sliding-window Lua-script atomicity
// technique to a multi-key token bucket: every key in KEYS is checked and
// decremented together, and the whole call rolls itself back (returns
// without side effects) the moment any one bucket lacks capacity. This is
// what lets Limiter.Allow enforce global+router+api-key+user scopes as one
// atomic admission decision instead of a piecewise, race-prone sequence of
// separate Redis round-trips.
//
// KEYS[i]      = bucket key i
// ARGV[1]      = amount to acquire
// ARGV[2]      = now, unix nanoseconds
// ARGV[3*i]    = capacity for bucket i (i is 1-indexed)
// ARGV[3*i+1]  = refill-per-period for bucket i
// ARGV[3*i+2]  = period, nanoseconds, for bucket i
//
// Each bucket is stored as a Redis hash {tokens, last_refill}. Returns
// {1, 0} on success or {0, retry_after_ns} on rejection.
var multiBucketScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local n = #KEYS
local values = {}
local retry_after = 0

for i = 1, n do
	local key = KEYS[i]
	local capacity = tonumber(ARGV[3*i])
	local refill = tonumber(ARGV[3*i + 1])
	local period = tonumber(ARGV[3*i + 2])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(data[1])
	local last_refill = tonumber(data[2])
	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	if period > 0 then
		local elapsed = now - last_refill
		local periods = math.floor(elapsed / period)
		if periods > 0 then
			tokens = math.min(capacity, tokens + periods * refill)
			last_refill = last_refill + periods * period
		end
	end

	values[i] = {key = key, tokens = tokens, last_refill = last_refill, capacity = capacity, period = period}

	if tokens < amount then
		local wait = period - (now - last_refill)
		if wait > retry_after then
			retry_after = wait
		end
	end
end

if retry_after > 0 then
	return {0, retry_after}
end

for i = 1, n do
	local v = values[i]
	redis.call('HMSET', v.key, 'tokens', v.tokens - amount, 'last_refill', v.last_refill)
	if v.period > 0 then
		redis.call('PEXPIRE', v.key, math.ceil(v.period / 1000000) * 2)
	end
end

return {1, 0}
`)

// refundScript credits amount back to a single bucket, capped at its
// capacity. RedisBackend.Refund runs it.
var refundScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if tokens == nil then
	tokens = capacity
end
tokens = math.min(capacity, tokens + amount)
redis.call('HSET', key, 'tokens', tokens)
return tokens
`)

// RedisBackend implements Backend atomically via multiBucketScript. Redis
// unavailability degrades to "allow" rather than failing every request
// closed.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (r *RedisBackend) TryAcquire(ctx context.Context, keys []Key, configs map[Key]BucketConfig, amount int64) (bool, time.Duration, error) {
	if len(keys) == 0 {
		return true, 0, nil
	}

	redisKeys := make([]string, 0, len(keys))
	args := []interface{}{amount, time.Now().UnixNano()}
	for _, k := range keys {
		cfg, ok := resolveConfig(configs, k)
		if !ok {
			continue
		}
		redisKeys = append(redisKeys, k.redisKey())
		args = append(args, cfg.Capacity, cfg.RefillPerPeriod, cfg.Period.Nanoseconds())
	}
	if len(redisKeys) == 0 {
		return true, 0, nil
	}

	res, err := multiBucketScript.Run(ctx, r.rdb, redisKeys, args...).Result()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation rather
		// than failing closed).
		return true, 0, nil
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return true, 0, nil
	}
	allowed, _ := strconv.ParseInt(fmt.Sprint(pair[0]), 10, 64)
	retryNs, _ := strconv.ParseInt(fmt.Sprint(pair[1]), 10, 64)

	return allowed == 1, time.Duration(retryNs), nil
}

// Refund credits amount back into a single bucket. Limiter does not call it:
// Limiter.Charge and EstimateCharge both go through TryAcquire.
func (r *RedisBackend) Refund(ctx context.Context, key Key, cfg BucketConfig, amount int64) error {
	_, err := refundScript.Run(ctx, r.rdb, []string{key.redisKey()}, amount, cfg.Capacity).Result()
	if err != nil {
		return nil // graceful degradation, matches TryAcquire
	}
	return nil
}
