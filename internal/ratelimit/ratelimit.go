// Package ratelimit provides a strict Redis-backed rate limiter that never
// allows more than the configured requests per second, across every process
// sharing the key.
package ratelimit

import (
	"context"
	"math"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/you/tubeq/internal/script"
)

// The counter lives in a plain key that expires each permit cycle. A negative
// reply carries the TTL to wait before retrying.
var acquireScript = script.New(`
local keyName = KEYS[1]
local expireAfterSeconds = tonumber(ARGV[1])
local allowedPermits = tonumber(ARGV[2])
local currentCounterValue = redis.call('GET', keyName)
if not currentCounterValue then
    currentCounterValue = '0'
    redis.call('SET', keyName, currentCounterValue, 'nx', 'ex', expireAfterSeconds)
elseif redis.call('TTL', keyName) < 0 then
    redis.call('EXPIRE', keyName, expireAfterSeconds)
end
if tonumber(currentCounterValue) < allowedPermits then
    return redis.call('INCR', keyName)
end
return -1 * redis.call('TTL', keyName)`)

// StrictLimiter is a shared limiter for one logical key.
type StrictLimiter struct {
	rdb                *r.Client
	key                string
	expireAfterSeconds int
	permitsPerCycle    int
}

// NewStrict builds a limiter on key <keyPrefix>:ratelimit:<key>. Rates below
// one permit per second widen the expiry cycle instead; the cycle length is
// rounded up so the limiter errs on the conservative side.
func NewStrict(rdb *r.Client, keyPrefix, key string, permitsPerSecond float64) *StrictLimiter {
	l := &StrictLimiter{
		rdb: rdb,
		key: keyPrefix + ":ratelimit:" + key,
	}
	if permitsPerSecond < 1 {
		secondsBetweenRequests := 1 / permitsPerSecond
		l.expireAfterSeconds = int(math.Ceil(secondsBetweenRequests))
		l.permitsPerCycle = 1
	} else {
		l.expireAfterSeconds = 1
		l.permitsPerCycle = int(math.Round(permitsPerSecond))
	}
	return l
}

// Acquire attempts to take one permit. When the allotment is exhausted it
// returns ok=false and how long to wait before retrying.
func (l *StrictLimiter) Acquire(ctx context.Context) (retryAfter time.Duration, ok bool, err error) {
	res, err := acquireScript.RunInt(ctx, l.rdb, []string{l.key}, l.expireAfterSeconds, l.permitsPerCycle)
	if err != nil {
		return 0, false, err
	}
	if res > 0 {
		return 0, true, nil
	}
	return time.Duration(-res) * time.Second, false, nil
}

// Key returns the fully qualified Redis key the limiter counts under.
func (l *StrictLimiter) Key() string { return l.key }
