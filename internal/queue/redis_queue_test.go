package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Options{
		Visibility:  time.Minute,
		BackoffBase: time.Minute,
		BackoffMax:  30 * time.Minute,
	})
}

func TestQueuePriorityInversion(t *testing.T) {
	// Application priority is higher-is-more-urgent; the ready set serves
	// its lowest score first.
	require.Equal(t, 10, QueuePriority(0))
	require.Equal(t, 0, QueuePriority(10))
	require.Equal(t, 5, QueuePriority(5))
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	err := q.Enqueue(ctx, "tweet-p1", []byte(`{"a":1}`), 10, time.Now())
	require.NoError(t, err)

	err = q.Enqueue(ctx, "tweet-p1", []byte(`{"a":2}`), 10, time.Now())
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestDequeueImmediateJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{"scheduled_post_id":"p1"}`), 10, time.Now()))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "tweet-p1", job.ID)
	require.JSONEq(t, `{"scheduled_post_id":"p1"}`, string(job.Payload))

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
}

func TestDelayedJobNotDeliveredEarly(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now().Add(time.Hour)))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, job)

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateScheduled, state)
}

func TestDequeueServesHigherAppPriorityFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	// App priority 0 enqueued first, app priority 10 second; the second
	// must still be served first because of the inversion.
	require.NoError(t, q.Enqueue(ctx, "tweet-low", []byte(`{}`), QueuePriority(0), time.Now()))
	require.NoError(t, q.Enqueue(ctx, "tweet-high", []byte(`{}`), QueuePriority(10), time.Now()))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "tweet-high", job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "tweet-low", job.ID)
}

func TestAckFreesJobID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Ack(ctx, "tweet-p1"))

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateNotFound, state)

	// The id is live again for a fresh enqueue of the same post.
	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
}

func TestRetryMovesJobToScheduled(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Retry(ctx, "tweet-p1", 1))

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateScheduled, state)

	// Not deliverable before the backoff elapses.
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestRetryDelayDoubles(t *testing.T) {
	q := &Queue{backoffBase: time.Minute, backoffMax: 30 * time.Minute}

	require.Equal(t, time.Minute, q.RetryDelay(1))
	require.Equal(t, 2*time.Minute, q.RetryDelay(2))
	require.Equal(t, 4*time.Minute, q.RetryDelay(3))
	require.Equal(t, 30*time.Minute, q.RetryDelay(20))
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.visibility = -time.Second // lease expires immediately

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	reclaimed, err := q.ReclaimExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"tweet-p1"}, reclaimed)

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateWaiting, state)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-a", []byte(`{}`), 10, time.Now()))
	require.NoError(t, q.Enqueue(ctx, "tweet-b", []byte(`{}`), 10, time.Now().Add(time.Hour)))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Scheduled: 1, Ready: 0, InFlight: 1}, stats)
}

func TestExtendLeaseBlocksReclaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.visibility = -time.Second // lease expires immediately

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The consumer is still working; a renewed lease keeps the job off
	// every other consumer's plate.
	q.visibility = time.Hour
	require.NoError(t, q.ExtendLease(ctx, "tweet-p1"))

	reclaimed, err := q.ReclaimExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, second, "a held lease is never redelivered")

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
}

func TestExtendLeaseAfterAckIsNoOp(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "tweet-p1"))

	require.NoError(t, q.ExtendLease(ctx, "tweet-p1"))

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateNotFound, state, "renewing a settled job must not resurrect it")
}

func TestReclaimDropsJobWithoutPayload(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.visibility = -time.Second

	require.NoError(t, q.Enqueue(ctx, "tweet-p1", []byte(`{}`), 10, time.Now()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Simulate an ack racing the reclaim scan: the job hash is gone but
	// the in-flight entry is still visible.
	require.NoError(t, q.client.Del(ctx, jobKey("tweet-p1")).Err())

	reclaimed, err := q.ReclaimExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	ghost, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, ghost, "a payloadless job is dropped, not redelivered")

	state, err := q.JobState(ctx, "tweet-p1")
	require.NoError(t, err)
	require.Equal(t, StateNotFound, state)
}
