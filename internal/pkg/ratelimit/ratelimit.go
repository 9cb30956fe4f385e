package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"homeworkhelp/internal/pkg/metrics"
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RateLimiter 基于 redis 令牌桶的限流器，按 key 独立计数。
//
// 用于限制同一用户名/IP 的登录与验证码尝试频率：超出配额的请求
// 立即被拒绝，而不是排队等待。
type RateLimiter struct {
	rdb    *redis.Client
	prefix string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 构造限流器。
//
// 参数:
//
//	prefix: redis key 前缀，实际 key 为 prefix + ":" + 调用方给的 key
//	rate: 令牌补充速率（token/s）
//	burst: 桶容量
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, prefix string, rate float64, burst float64) *RateLimiter {
	if prefix == "" {
		prefix = "homeworkhelp:ratelimit"
	}
	return &RateLimiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Allow 对给定 key 消耗一个令牌，返回是否放行。
//
// rate/burst 配置为 0 时限流关闭，恒放行。redis 故障返回错误，
// 由调用方决定放行还是拒绝。
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return true, nil
	}

	start := time.Now()
	now := start.UnixMilli()
	fullKey := r.prefix + ":" + key
	res, err := r.script.Run(ctx, r.rdb, []string{fullKey}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if !allowed {
		metrics.RateLimitTimeoutTotal.Inc()
		if r.logger != nil {
			r.logger.Warn("rate limit exceeded", slog.String("key", key))
		}
	}
	return allowed, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
