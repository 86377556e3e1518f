// Package ratelimit throttles submissions across API replicas.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is due; zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket keyed per client. State lives in
// one hash per key and is updated atomically by a script.
type TokenBucket struct {
	rdb      redis.Scripter
	capacity int
	perSec   float64
	idleTTL  time.Duration
}

// NewTokenBucket builds a bucket holding capacity tokens that refills at
// refillPerSecond. Idle buckets expire after idleTTL.
func NewTokenBucket(rdb redis.Scripter, capacity int, refillPerSecond float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{rdb: rdb, capacity: capacity, perSec: refillPerSecond, idleTTL: idleTTL}
}

// Allow takes one token from key's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	args := []any{b.capacity, b.perSec, time.Now().UnixMilli(), b.idleTTL.Milliseconds()}
	raw, err := takeScript.Run(ctx, b.rdb, []string{key}, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, raw)
	}

	granted, _ := raw[0].(int64)
	level, _ := raw[1].(string)
	waitMS, _ := raw[2].(int64)

	d := Decision{Allowed: granted == 1}
	d.Remaining, _ = strconv.ParseFloat(level, 64)
	switch {
	case d.Allowed:
	case waitMS < 0:
		// no refill configured: the bucket never recovers
		d.RetryAfter = time.Duration(1<<63 - 1)
	default:
		d.RetryAfter = time.Duration(waitMS) * time.Millisecond
	}
	return d, nil
}

// Replies are {granted, level, wait_ms}. Redis truncates Lua numbers to
// integers, so the fractional level travels as a string.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'stamp')
local level = tonumber(state[1]) or cap
local stamp = tonumber(state[2]) or now_ms

if now_ms > stamp then
  level = math.min(cap, level + (now_ms - stamp) * per_sec / 1000)
end

local granted = 0
local wait_ms = 0
if level >= 1 then
  granted = 1
  level = level - 1
elseif per_sec > 0 then
  wait_ms = math.ceil((1 - level) * 1000 / per_sec)
else
  wait_ms = -1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'stamp', now_ms)
if idle_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], idle_ms)
end
return {granted, tostring(level), wait_ms}
`)
