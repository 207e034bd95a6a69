package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tweet-scheduler/internal/config"
	"tweet-scheduler/internal/gateway"
	"tweet-scheduler/internal/models"
	"tweet-scheduler/internal/queue"
	"tweet-scheduler/internal/store"
)

type fakeLedger struct {
	attempts   int
	beginErr   error
	beginCalls int

	conn      models.SocialConnection
	connFound bool
	connErr   error

	rl      models.RateLimitState
	rlFound bool

	postedID, postedTweetID string
	failedCode, failedMsg   string
	retryCode               string
	contentPosted           string
	quotaConsumed           bool
	quotaErr                error
	failureRecords          int
	streak                  int
}

func (f *fakeLedger) BeginAttempt(ctx context.Context, id string) (int, error) {
	f.beginCalls++
	return f.attempts, f.beginErr
}

func (f *fakeLedger) MarkPosted(ctx context.Context, id, tweetID, url string) error {
	f.postedID, f.postedTweetID = id, tweetID
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, id, code, msg string) error {
	f.failedCode, f.failedMsg = code, msg
	return nil
}

func (f *fakeLedger) MarkRetrying(ctx context.Context, id, code, msg string) error {
	f.retryCode = code
	return nil
}

func (f *fakeLedger) MarkContentPosted(ctx context.Context, contentID string) error {
	f.contentPosted = contentID
	return nil
}

func (f *fakeLedger) ActiveConnection(ctx context.Context, userID, platform string) (models.SocialConnection, bool, error) {
	return f.conn, f.connFound, f.connErr
}

func (f *fakeLedger) ConsumeQuota(ctx context.Context, platform string, dailyLimit int) error {
	f.quotaConsumed = true
	return f.quotaErr
}

func (f *fakeLedger) GetRateLimit(ctx context.Context, platform string) (models.RateLimitState, bool, error) {
	return f.rl, f.rlFound, nil
}

func (f *fakeLedger) RecordDeliveryFailure(ctx context.Context, platform string, threshold int, openUntil time.Time) (int, error) {
	f.failureRecords++
	return f.streak, nil
}

type fakeDeliverer struct {
	res   gateway.PostResult
	err   error
	calls int
	hook  func(ctx context.Context)
}

func (f *fakeDeliverer) PostTweet(ctx context.Context, creds gateway.Credentials, text string, mediaURLs []string) (gateway.PostResult, error) {
	f.calls++
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.res, f.err
}

type fakeLimiter struct{}

func (fakeLimiter) Allow(ctx context.Context) (bool, error) { return true, nil }

type fakeQueue struct {
	mu         sync.Mutex
	dequeueFn  func(ctx context.Context) (*queue.Job, error)
	acked      []string
	retried    []string
	retryAtmpt int
	extends    int
}

func (f *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	if f.dequeueFn != nil {
		return f.dequeueFn(ctx)
	}
	return nil, nil
}
func (f *fakeQueue) ExtendLease(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.extends++
	f.mu.Unlock()
	return nil
}
func (f *fakeQueue) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extends
}
func (f *fakeQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return nil, nil
}
func (f *fakeQueue) Retry(ctx context.Context, jobID string, attempt int) error {
	f.retried = append(f.retried, jobID)
	f.retryAtmpt = attempt
	return nil
}
func (f *fakeQueue) Ack(ctx context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}
func (f *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }

func strPtr(s string) *string { return &s }

func testCfg() config.Config {
	return config.Config{
		MaxAttempts:             3,
		DailyPostLimit:          50,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         15 * time.Minute,
	}
}

func activeLedger(attempts int) *fakeLedger {
	return &fakeLedger{
		attempts:  attempts,
		connFound: true,
		conn: models.SocialConnection{
			UserID:       "u1",
			Platform:     models.PlatformTwitter,
			AccessToken:  "tok",
			AccessSecret: strPtr("sec"),
			IsActive:     true,
		},
	}
}

func testJob(t *testing.T) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.TweetJob{
		ScheduledPostID: "p1",
		UserID:          "u1",
		ContentID:       "c1",
		Platform:        models.PlatformTwitter,
		Content:         "hello",
		Priority:        0,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "tweet-p1", Payload: payload}
}

func newTestPool(ledger Ledger, gw Deliverer) *Pool {
	return NewPool(testCfg(), &fakeQueue{}, ledger, gw, nil, zap.NewNop())
}

func TestProcessSuccess(t *testing.T) {
	fl := activeLedger(1)
	fd := &fakeDeliverer{res: gateway.PostResult{TweetID: "99", TweetURL: "https://twitter.com/i/web/status/99"}}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeSuccess, outcome.Kind)
	require.Equal(t, 1, outcome.Attempt)
	require.Equal(t, "p1", fl.postedID)
	require.Equal(t, "99", fl.postedTweetID)
	require.Equal(t, "c1", fl.contentPosted)
	require.True(t, fl.quotaConsumed)
}

func TestProcessSuccessSwallowsBookkeepingFailure(t *testing.T) {
	fl := activeLedger(1)
	fl.quotaErr = errors.New("quota upsert down")
	fd := &fakeDeliverer{res: gateway.PostResult{TweetID: "99"}}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	// The tweet already exists externally, so the job must still succeed.
	require.Equal(t, OutcomeSuccess, outcome.Kind)
}

func TestProcessNoConnection(t *testing.T) {
	fl := &fakeLedger{attempts: 1, connFound: false}
	fd := &fakeDeliverer{}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Equal(t, models.ErrCodeNoConnection, fl.failedCode)
	require.Zero(t, fd.calls, "no delivery attempt without credentials")
	require.Zero(t, fl.failureRecords, "credential failures do not feed the circuit")
}

func TestProcessMissingAccessSecret(t *testing.T) {
	fl := activeLedger(1)
	fl.conn.AccessSecret = nil
	p := newTestPool(fl, &fakeDeliverer{})

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Equal(t, models.ErrCodeMissingAccessSecret, fl.failedCode)
}

func TestProcessExpiredToken(t *testing.T) {
	fl := activeLedger(1)
	past := time.Now().Add(-time.Hour)
	fl.conn.ExpiresAt = &past
	p := newTestPool(fl, &fakeDeliverer{})

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Equal(t, models.ErrCodeTokenExpired, fl.failedCode)
}

func TestProcessRetryableFailureUnderCeiling(t *testing.T) {
	fl := activeLedger(1)
	fd := &fakeDeliverer{err: &gateway.DeliveryError{
		Code: models.ErrCodeRateLimited, Message: "429", Retryable: true,
	}}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeRetry, outcome.Kind)
	require.Equal(t, 1, outcome.Attempt)
	require.Equal(t, models.ErrCodeRateLimited, fl.retryCode)
	require.Empty(t, fl.failedCode)
	require.Equal(t, 1, fl.failureRecords)
}

func TestProcessRetryableFailureCeilingExhausted(t *testing.T) {
	fl := activeLedger(3) // third and final attempt
	fd := &fakeDeliverer{err: &gateway.DeliveryError{
		Code: models.ErrCodeRateLimited, Message: "429", Retryable: true,
	}}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Equal(t, models.ErrCodeRateLimited, fl.failedCode)
}

func TestProcessNonRetryableFailure(t *testing.T) {
	fl := activeLedger(1)
	fd := &fakeDeliverer{err: &gateway.DeliveryError{
		Code: models.ErrCodeDuplicateTweet, Message: "dup", Retryable: false,
	}}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Equal(t, models.ErrCodeDuplicateTweet, fl.failedCode)
	require.Zero(t, fl.failureRecords, "non-retryable platform failures do not feed the circuit")
}

func TestProcessCircuitOpenShortCircuits(t *testing.T) {
	fl := activeLedger(1)
	until := time.Now().Add(10 * time.Minute)
	fl.rlFound = true
	fl.rl = models.RateLimitState{Platform: models.PlatformTwitter, CircuitOpenUntil: &until}
	fd := &fakeDeliverer{}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeRetry, outcome.Kind)
	require.Equal(t, models.ErrCodeRateLimited, outcome.Failure.Code)
	require.Zero(t, fd.calls, "no delivery attempt while the circuit is open")
	require.Zero(t, fl.failureRecords)
	require.Zero(t, fl.beginCalls, "waiting out a cooldown must not touch the ledger")
}

func TestProcessCircuitOpenPreservesAttemptBudget(t *testing.T) {
	// A post at its attempt ceiling must not be terminally failed by
	// circuit short-circuits; it keeps rescheduling until the circuit
	// closes and the platform gets its real final attempt.
	fl := activeLedger(3)
	until := time.Now().Add(10 * time.Minute)
	fl.rlFound = true
	fl.rl = models.RateLimitState{Platform: models.PlatformTwitter, CircuitOpenUntil: &until}
	p := newTestPool(fl, &fakeDeliverer{})

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeRetry, outcome.Kind)
	require.Zero(t, fl.beginCalls)
	require.Empty(t, fl.failedCode)
	require.Empty(t, fl.retryCode)
}

func TestProcessStaleRedeliveryOfTerminalPost(t *testing.T) {
	// An expired lease can redeliver a job whose post has already settled.
	// The redelivery must ack without resurrecting the row or re-posting.
	fl := &fakeLedger{beginErr: store.ErrNoTransition, connFound: true}
	fd := &fakeDeliverer{}
	p := newTestPool(fl, fd)

	outcome := p.Process(context.Background(), testJob(t))

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Nil(t, outcome.Failure)
	require.Zero(t, fd.calls)
	require.Empty(t, fl.failedCode)
}

func TestHoldLeaseRenewsWhileDeliveryRuns(t *testing.T) {
	cfg := testCfg()
	cfg.VisibilityTimeout = 20 * time.Millisecond
	fq := &fakeQueue{}
	p := NewPool(cfg, fq, &fakeLedger{}, &fakeDeliverer{}, nil, zap.NewNop())

	release := p.holdLease(context.Background(), "tweet-p1")
	time.Sleep(60 * time.Millisecond)
	release()

	require.GreaterOrEqual(t, fq.extendCount(), 1)
}

func TestConsumeFinishesInFlightDeliveryOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := testJob(t)
	delivered := make(chan error, 1)

	fq := &fakeQueue{}
	first := true
	fq.dequeueFn = func(context.Context) (*queue.Job, error) {
		if first {
			first = false
			cancel() // shutdown arrives while this job is being handed over
			return job, nil
		}
		return nil, nil
	}
	fl := activeLedger(1)
	fd := &fakeDeliverer{res: gateway.PostResult{TweetID: "99"}}
	fd.hook = func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		delivered <- ctx.Err()
	}
	p := NewPool(testCfg(), fq, fl, fd, fakeLimiter{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		p.consume(ctx, 0)
		close(done)
	}()

	require.NoError(t, <-delivered, "delivery context must survive shutdown")
	<-done
	require.Equal(t, []string{"tweet-p1"}, fq.acked)
	require.Equal(t, "p1", fl.postedID, "the attempt's ledger write completes despite shutdown")
}

func TestProcessMalformedPayload(t *testing.T) {
	fl := &fakeLedger{}
	p := newTestPool(fl, &fakeDeliverer{})

	outcome := p.Process(context.Background(), &queue.Job{ID: "tweet-x", Payload: []byte("not json")})

	require.Equal(t, OutcomeTerminal, outcome.Kind)
	require.Zero(t, fl.beginCalls, "poison payloads never touch the ledger")
}

func TestSettleTranslatesOutcomes(t *testing.T) {
	fq := &fakeQueue{}
	p := NewPool(testCfg(), fq, &fakeLedger{}, &fakeDeliverer{}, nil, zap.NewNop())
	log := zap.NewNop()
	ctx := context.Background()

	p.settle(ctx, log, "tweet-a", successOutcome("a", 1, gateway.PostResult{TweetID: "1"}))
	require.Equal(t, []string{"tweet-a"}, fq.acked)

	p.settle(ctx, log, "tweet-b", retryOutcome("b", 2, &gateway.DeliveryError{
		Code: models.ErrCodeServerError, Retryable: true,
	}))
	require.Equal(t, []string{"tweet-b"}, fq.retried)
	require.Equal(t, 2, fq.retryAtmpt)

	p.settle(ctx, log, "tweet-c", terminalOutcome("c", 3, &gateway.DeliveryError{
		Code: models.ErrCodeForbidden,
	}))
	require.Equal(t, []string{"tweet-a", "tweet-c"}, fq.acked)
}
