package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// concurrencyScript atomically increments a counter and enforces a ceiling,
// used to bound the number of in-flight requests for one API key.
// KEYS[1] = Redis key
// ARGV[1] = ceiling
// ARGV[2] = ttl in seconds (safety net against leaked releases)
// Returns: 1 if admitted (counter incremented), 0 if at ceiling.
var concurrencyScript = redis.NewScript(`
	local key    = KEYS[1]
	local limit  = tonumber(ARGV[1])
	local ttl    = tonumber(ARGV[2])

	local count = tonumber(redis.call('GET', key) or "0")
	if count >= limit then
		return 0
	end

	redis.call('INCR', key)
	redis.call('EXPIRE', key, ttl)
	return 1
`)

// Dimension identifies one of the fixed rate-limit windows checked at admission.
type Dimension string

const (
	DimensionMinute Dimension = "minute"
	DimensionHour   Dimension = "hour"
	DimensionDay    Dimension = "day"
)

var dimensionWindows = map[Dimension]time.Duration{
	DimensionMinute: time.Minute,
	DimensionHour:   time.Hour,
	DimensionDay:    24 * time.Hour,
}

// Limits bundles the four admission ceilings checked for one API key.
type Limits struct {
	PerMinute   int
	PerHour     int
	PerDay      int
	Concurrent  int
}

// KeyLimiter checks per-API-key request-rate and concurrency ceilings using
// the same Redis sliding-window script as RPMLimiter, scoped per key instead
// of globally, plus a separate INCR/DECR concurrency ceiling.
type KeyLimiter struct {
	rdb *redis.Client
}

// NewKeyLimiter creates a KeyLimiter backed by the given Redis client.
func NewKeyLimiter(rdb *redis.Client) *KeyLimiter {
	return &KeyLimiter{rdb: rdb}
}

// Verdict reports which dimension, if any, rejected the request.
type Verdict struct {
	Allowed    bool
	Dimension  Dimension     // empty when Allowed
	RetryAfter time.Duration // time until the rejecting window has room again
}

// CheckWindows checks the minute/hour/day sliding windows for keyID in order
// from tightest to loosest, short-circuiting on the first rejection. Redis
// unavailability degrades to "allow" — the gateway favors availability over
// strict enforcement when its rate-limit backend is down.
func (k *KeyLimiter) CheckWindows(ctx context.Context, keyID string, limits Limits) (Verdict, error) {
	checks := []struct {
		dim   Dimension
		limit int
	}{
		{DimensionMinute, limits.PerMinute},
		{DimensionHour, limits.PerHour},
		{DimensionDay, limits.PerDay},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		key := fmt.Sprintf("ratelimit:key:%s:%s", keyID, c.dim)
		allowed, err := k.slidingWindow(ctx, key, dimensionWindows[c.dim], c.limit)
		if err != nil {
			return Verdict{Allowed: true}, nil // degrade to allow
		}
		if !allowed {
			return Verdict{Allowed: false, Dimension: c.dim, RetryAfter: k.windowRemainder(ctx, key, dimensionWindows[c.dim])}, nil
		}
	}
	return Verdict{Allowed: true}, nil
}

// AcquireConcurrency admits one more in-flight request for keyID, up to
// limit. Returns false when at the ceiling; callers must call Release on
// every successful Acquire once the request completes.
func (k *KeyLimiter) AcquireConcurrency(ctx context.Context, keyID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := concurrencyKey(keyID)
	result, err := concurrencyScript.Run(ctx, k.rdb, []string{key}, limit, 300).Int()
	if err != nil {
		return true, nil // degrade to allow
	}
	return result == 1, nil
}

// ReleaseConcurrency decrements the in-flight counter for keyID. Safe to
// call even if the counter has already expired.
func (k *KeyLimiter) ReleaseConcurrency(ctx context.Context, keyID string) error {
	key := concurrencyKey(keyID)
	if err := k.rdb.Decr(ctx, key).Err(); err != nil {
		return err
	}
	// Clamp to zero — a crashed request that never released, followed by
	// TTL expiry and a fresh INCR cycle, must never go negative.
	return k.rdb.Eval(ctx, `
		local v = tonumber(redis.call('GET', KEYS[1]) or "0")
		if v < 0 then redis.call('SET', KEYS[1], 0) end
	`, []string{key}).Err()
}

func (k *KeyLimiter) slidingWindow(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	now := time.Now().UnixNano()
	result, err := slidingWindowScript.Run(ctx, k.rdb,
		[]string{key}, now, window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		return true, err
	}
	return result == 1, nil
}

// windowRemainder reports how long until key's sliding window has room
// again, read from the key's TTL (set to the window size on every ZADD).
// Falls back to the full window on a Redis error since that's still a
// conservative, non-zero Retry-After.
func (k *KeyLimiter) windowRemainder(ctx context.Context, key string, window time.Duration) time.Duration {
	ttl, err := k.rdb.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return window
	}
	return ttl
}

func concurrencyKey(keyID string) string {
	return fmt.Sprintf("ratelimit:key:%s:concurrent", keyID)
}
