// Package ratelimiter throttles study creation per tenant with a Redis token
// bucket. The bucket runs as a Lua script so check-and-decrement is atomic
// across replicas.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the study-creation throttle consumed by the HTTP layer.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig is a token bucket: capacity tokens, refilled at RefillRate
// tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerHour sizes a bucket for N studies per hour.
func NewBucketConfigFromPerHour(perHour int) BucketConfig {
	if perHour <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perHour),
		RefillRate: float64(perHour) / 3600.0,
	}
}

// RedisLuaLimiter implements Limiter on Redis. A nil limiter or nil client
// allows everything, which is what dev mode without Redis wants.
type RedisLuaLimiter struct {
	redis  *redis.Client
	bucket BucketConfig
	script *redis.Script
}

// NewRedisLuaLimiter builds the limiter; one bucket config applies to every
// tenant.
func NewRedisLuaLimiter(rdb *redis.Client, bucket BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		redis:  rdb,
		bucket: bucket,
		script: redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow consumes one token from the tenant's bucket. Fails open on Redis
// errors; a limiter outage must not take study creation down with it.
func (l *RedisLuaLimiter) Allow(ctx context.Context, tenantID string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	if l.bucket.Capacity <= 0 || l.bucket.RefillRate <= 0 {
		return true, 0, nil
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	redisKey := "rate:tenant:" + tenantID
	res, err := l.script.Run(ctx, l.redis, []string{redisKey},
		l.bucket.Capacity, l.bucket.RefillRate, nowSec, 1).Result()
	if err != nil {
		slog.Error("tenant rate limiter script error",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("tenant rate limiter unexpected script result",
			slog.String("tenant_id", tenantID), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[3]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
