// Package ratelimit implements a global requests-per-minute limit backed by a
// Redis sliding window counter with an atomic Lua script.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window rate limiter on a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const rpmKey = "modelgate:ratelimit:rpm"

// RPMLimiter enforces a single gateway-wide requests-per-minute ceiling.
// All routes share one window; there is no per-client accounting.
type RPMLimiter struct {
	rdb   *redis.Client
	limit int
}

// NewRPMLimiter creates a limiter with the given global RPM limit.
// limit must be > 0; values <= 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, limit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, limit: limit}
}

// Limit returns the configured requests-per-minute ceiling.
func (r *RPMLimiter) Limit() int { return r.limit }

// Allow reports whether the current request is within the rate limit.
// When Redis is unreachable the limiter degrades open and allows the request.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{rpmKey},
		now, window, r.limit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
