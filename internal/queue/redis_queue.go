// Package queue implements the durable work queue between the dispatcher
// and the worker pool on Redis: delayed delivery via a scheduled sorted
// set, priority ordering via a ready sorted set, lease-based at-least-once
// delivery via an in-flight sorted set, and dedup via the per-job hash key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned by Enqueue when a live job with the same id
// already exists anywhere in the queue.
var ErrDuplicateJob = errors.New("job id already enqueued")

// Job states reported by JobState.
const (
	StateActive    = "active"
	StateWaiting   = "waiting"
	StateScheduled = "scheduled"
	StateNotFound  = "not_found"
)

const (
	scheduledKey = "tweetq:scheduled"
	readyKey     = "tweetq:ready"
	inflightKey  = "tweetq:inflight"
	jobKeyPrefix = "tweetq:job:"

	// priorityBand separates priority levels in the ready-set score while
	// keeping millisecond enqueue time as the tiebreaker. Scores stay well
	// inside float64's exact-integer range.
	priorityBand = 1e13
)

// Options tune queue behavior; zero values fall back to defaults.
type Options struct {
	Visibility  time.Duration // lease length for dequeued jobs
	BackoffBase time.Duration // first retry delay
	BackoffMax  time.Duration // retry delay cap
}

// Queue is the Redis work-queue client. Construct once per process and
// close at shutdown.
type Queue struct {
	client      *redis.Client
	visibility  time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Job is one delivered unit of work.
type Job struct {
	ID      string
	Payload []byte
}

// New wraps an injected Redis client. The client's lifecycle belongs to the
// caller except for Close, which closes it.
func New(client *redis.Client, opts Options) *Queue {
	if opts.Visibility <= 0 {
		opts.Visibility = 2 * time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	return &Queue{
		client:      client,
		visibility:  opts.Visibility,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// QueuePriority maps application priority (higher = more urgent) to the
// queue's native priority (lower score = served first). The inversion is
// deliberate and load-bearing: the ready set pops its lowest score first,
// so application priority 10 becomes queue priority 0, the most urgent.
func QueuePriority(appPriority int) int {
	return 10 - appPriority
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'priority', ARGV[2])
local run_at = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
if run_at > now then
  redis.call('ZADD', KEYS[2], run_at, ARGV[5])
else
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) * 1e13 + now, ARGV[5])
end
return 1
`)

// Enqueue submits a job with a caller-supplied unique id, a queue priority
// (use QueuePriority to translate from application priority), and a run-at
// instant. A zero or past runAt makes the job immediately ready. Returns
// ErrDuplicateJob when the id is already live.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload []byte, queuePriority int, runAt time.Time) error {
	now := time.Now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{jobKey(jobID), scheduledKey, readyKey},
		payload, queuePriority, runAt.UnixMilli(), now.UnixMilli(), jobID,
	).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  local prio = tonumber(redis.call('HGET', ARGV[4] .. id, 'priority')) or 10
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], prio * 1e13 + now, id)
end
local popped = redis.call('ZRANGE', KEYS[2], 0, 0)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
local payload = redis.call('HGET', ARGV[4] .. id, 'payload')
return {id, payload}
`)

// Dequeue promotes due delayed jobs into the ready set, then atomically
// moves the most urgent ready job into the in-flight set under a
// visibility lease. Returns nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{scheduledKey, readyKey, inflightKey},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), 100, jobKeyPrefix,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("unexpected dequeue result: %T", res)
	}
	id, _ := arr[0].(string)
	payload, _ := arr[1].(string)
	if id == "" {
		return nil, nil
	}
	return &Job{ID: id, Payload: []byte(payload)}, nil
}

// ExtendLease pushes an in-flight job's lease deadline out by one full
// visibility window. Workers call this periodically while a long delivery
// (media fetches, slow platform calls) is still running, so the job is not
// reclaimed and handed to a second consumer mid-flight.
func (q *Queue) ExtendLease(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(q.visibility)
	// XX: a job that is no longer in flight is left alone.
	err := q.client.ZAddXX(ctx, inflightKey, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return nil
}

var reclaimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[2]))
local reclaimed = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', ARGV[3] .. id) == 1 then
    local prio = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority')) or 10
    redis.call('ZADD', KEYS[2], prio * 1e13 + now, id)
    reclaimed[#reclaimed + 1] = id
  end
end
return reclaimed
`)

// ReclaimExpired moves jobs whose lease deadline passed back into the ready
// set, preserving their priority. Jobs whose hash was deleted by a
// concurrent Ack are dropped from the in-flight set instead of being
// re-queued as payloadless ghosts. Returns the reclaimed ids.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{inflightKey, readyKey},
		now.UnixMilli(), limit, jobKeyPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim leases: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reclaim result: %T", res)
	}
	var ids []string
	for _, v := range arr {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// JobState reports where a job currently sits. Stuck-job recovery treats
// everything except StateActive as safe to reset.
func (q *Queue) JobState(ctx context.Context, jobID string) (string, error) {
	for _, probe := range []struct {
		key   string
		state string
	}{
		{inflightKey, StateActive},
		{readyKey, StateWaiting},
		{scheduledKey, StateScheduled},
	} {
		_, err := q.client.ZScore(ctx, probe.key, jobID).Result()
		if err == nil {
			return probe.state, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("probe %s: %w", probe.key, err)
		}
	}
	return StateNotFound, nil
}

// RetryDelay computes the exponential backoff before redelivery of the
// given attempt (1-based): base, 2x base, 4x base, capped at the maximum.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.backoffMax {
			return q.backoffMax
		}
	}
	if delay > q.backoffMax {
		return q.backoffMax
	}
	return delay
}

// Retry releases an in-flight job back to the delayed set for redelivery
// after the attempt's backoff.
func (q *Queue) Retry(ctx context.Context, jobID string, attempt int) error {
	runAt := time.Now().Add(q.RetryDelay(attempt))
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", jobID, err)
	}
	return nil
}

// Ack removes a finished job everywhere, freeing its id for future
// enqueues of the same post.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, readyKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

// Stats reports queue depths for the ops API and metrics.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Ready     int64 `json:"ready"`
	InFlight  int64 `json:"in_flight"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	sched := pipe.ZCard(ctx, scheduledKey)
	ready := pipe.ZCard(ctx, readyKey)
	inflight := pipe.ZCard(ctx, inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Scheduled: sched.Val(), Ready: ready.Val(), InFlight: inflight.Val()}, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
