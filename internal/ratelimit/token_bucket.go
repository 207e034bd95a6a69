// Package ratelimit provides the worker pool's client-side dequeue
// throttle: a Redis token bucket shared by every consumer in the pool,
// independent of the durable daily quota in Postgres.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket backed by a Redis hash.
type TokenBucket struct {
	client    *redis.Client
	key       string
	capacity  int
	refillSec float64 // tokens per second
	ttl       time.Duration
}

// New constructs a bucket identified by key. jobsPerMinute is both the
// burst capacity and the sustained refill rate.
func New(client *redis.Client, key string, jobsPerMinute int) *TokenBucket {
	if jobsPerMinute <= 0 {
		jobsPerMinute = 10
	}
	return &TokenBucket{
		client:    client,
		key:       key,
		capacity:  jobsPerMinute,
		refillSec: float64(jobsPerMinute) / 60.0,
		ttl:       time.Hour,
	}
}

// Allow consumes a single token if available. All workers in the pool share
// the bucket, so the cap holds across the whole consumer set.
func (b *TokenBucket) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key},
		b.capacity, b.refillSec, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, nil
	}
	allowed, _ := arr[0].(int64)
	return allowed == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
