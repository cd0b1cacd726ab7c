// Package ratelimit throttles expensive endpoints per user with a Redis
// token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "variant:ratelimit:user:"
	keyTTL    = 10 * time.Minute
)

// Result describes a single rate limit decision.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// tokenBucketScript refills and consumes atomically.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1]) or burst
	local last_update = tonumber(data[2]) or now

	local elapsed = now - last_update
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	local retry_after = 0

	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		retry_after = math.ceil((1 - tokens) / rate)
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, ttl)

	return {allowed, retry_after, math.floor(tokens)}
`)

// Limiter grants ratePerMinute requests per user with the given burst.
// A nil Limiter allows everything.
type Limiter struct {
	client        redis.Scripter
	ratePerMinute int
	burst         int
	now           func() time.Time
}

// NewClient builds a pooled Redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        10,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
	})
}

func New(client redis.Scripter, ratePerMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		client:        client,
		ratePerMinute: ratePerMinute,
		burst:         burst,
		now:           time.Now,
	}
}

// Limit is the configured requests per minute.
func (l *Limiter) Limit() int {
	if l == nil {
		return 0
	}
	return l.ratePerMinute
}

// Allow consumes one token for userID. Redis failures are returned together
// with an allowing result so callers can fail open.
func (l *Limiter) Allow(ctx context.Context, userID int64) (Result, error) {
	if l == nil || l.ratePerMinute <= 0 {
		return Result{Allowed: true}, nil
	}

	rate := float64(l.ratePerMinute) / 60.0
	key := fmt.Sprintf("%s%d", keyPrefix, userID)
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{key},
		rate, l.burst, l.now().Unix(), int(keyTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return Result{Allowed: true, Remaining: int64(l.burst)}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Result{Allowed: true, Remaining: int64(l.burst)}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	return Result{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Second,
		Remaining:  res[2],
	}, nil
}
