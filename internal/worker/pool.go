// Package worker runs the consumer side of the pipeline: a bounded pool of
// goroutines that lease jobs from the work queue, execute the per-post
// delivery state machine, and write the outcome back to the ledger.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tweet-scheduler/internal/config"
	"tweet-scheduler/internal/gateway"
	"tweet-scheduler/internal/models"
	"tweet-scheduler/internal/queue"
	"tweet-scheduler/internal/store"
	"tweet-scheduler/internal/telemetry"
)

// Ledger is the slice of the post ledger the worker mutates. Implemented
// by *store.Store.
type Ledger interface {
	BeginAttempt(ctx context.Context, id string) (int, error)
	MarkPosted(ctx context.Context, id, platformPostID, platformURL string) error
	MarkFailed(ctx context.Context, id, code, message string) error
	MarkRetrying(ctx context.Context, id, code, message string) error
	MarkContentPosted(ctx context.Context, contentID string) error
	ActiveConnection(ctx context.Context, userID, platform string) (models.SocialConnection, bool, error)
	ConsumeQuota(ctx context.Context, platform string, dailyLimit int) error
	GetRateLimit(ctx context.Context, platform string) (models.RateLimitState, bool, error)
	RecordDeliveryFailure(ctx context.Context, platform string, threshold int, openUntil time.Time) (int, error)
}

// WorkQueue is the consumer-side queue contract. Implemented by *queue.Queue.
type WorkQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	ExtendLease(ctx context.Context, jobID string) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Retry(ctx context.Context, jobID string, attempt int) error
	Ack(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deliverer submits a post to the external platform. Implemented by
// *gateway.Gateway.
type Deliverer interface {
	PostTweet(ctx context.Context, creds gateway.Credentials, text string, mediaURLs []string) (gateway.PostResult, error)
}

// Limiter throttles dequeues across the pool.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Pool is the fixed-size set of consumers.
type Pool struct {
	cfg     config.Config
	queue   WorkQueue
	ledger  Ledger
	gw      Deliverer
	limiter Limiter
	logger  *zap.Logger
}

func NewPool(cfg config.Config, q WorkQueue, ledger Ledger, gw Deliverer, limiter Limiter, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, queue: q, ledger: ledger, gw: gw, limiter: limiter, logger: logger}
}

// Run starts the consumers and a maintenance loop, blocking until the
// context is cancelled and every in-flight state-machine run has finished.
// A row is therefore never left without a terminal update for the current
// attempt by a graceful shutdown.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 5
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// maintain reclaims expired leases and refreshes queue depth gauges.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if reclaimed, err := p.queue.ReclaimExpired(ctx, time.Now(), 100); err != nil {
			p.logger.Warn("reclaim expired leases", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.logger.Info("reclaimed expired leases", zap.Strings("job_ids", reclaimed))
		}

		if stats, err := p.queue.Stats(ctx); err == nil {
			telemetry.QueueReadyGauge.Set(float64(stats.Ready))
			telemetry.QueueScheduledGauge.Set(float64(stats.Scheduled))
			telemetry.InFlightGauge.Set(float64(stats.InFlight))
		}
	}
}

func (p *Pool) consume(ctx context.Context, workerID int) {
	log := p.logger.With(zap.Int("consumer", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		allowed, err := p.limiter.Allow(ctx)
		if err != nil {
			log.Warn("dequeue throttle check failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if !allowed {
			p.sleep(ctx)
			continue
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Warn("dequeue failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		// Shutdown cancels the dequeue loop, never a delivery already in
		// flight: the job runs on an uncancellable context so the external
		// call and the ledger write for this attempt always complete.
		jobCtx := context.WithoutCancel(ctx)
		release := p.holdLease(jobCtx, job.ID)
		outcome := p.Process(jobCtx, job)
		release()
		p.settle(jobCtx, log, job.ID, outcome)
	}
}

// holdLease renews the job's visibility lease at half-lease intervals while
// delivery runs. A slow media pipeline or platform call can legitimately
// outlast one visibility window; without renewal the maintenance loop would
// reclaim the job and hand it to a second consumer mid-delivery.
func (p *Pool) holdLease(ctx context.Context, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID); err != nil {
					p.logger.Warn("extend lease failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// settle translates an Outcome into the queue's native signals: retryable
// failures re-schedule redelivery with backoff, everything else acks.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, jobID string, outcome Outcome) {
	log = log.With(zap.String("job_id", jobID), zap.String("post_id", outcome.PostID))

	switch outcome.Kind {
	case OutcomeSuccess:
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Warn("ack after success failed", zap.Error(err))
		}
		telemetry.PostsPosted.Inc()
		log.Info("post delivered",
			zap.String("tweet_id", outcome.Result.TweetID),
			zap.Int("attempt", outcome.Attempt))
	case OutcomeRetry:
		if err := p.queue.Retry(ctx, jobID, outcome.Attempt); err != nil {
			log.Error("schedule retry failed", zap.Error(err))
		}
		telemetry.PostsRetried.Inc()
		log.Warn("post delivery will retry",
			zap.String("error_code", outcome.Failure.Code),
			zap.String("error", outcome.Failure.Message),
			zap.Int("attempt", outcome.Attempt))
	case OutcomeTerminal:
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Warn("ack after terminal failure failed", zap.Error(err))
		}
		// A terminal outcome without a failure is a stale redelivery of an
		// already-settled post, not a new failure.
		if outcome.Failure != nil {
			telemetry.PostsFailed.Inc()
			log.Error("post delivery failed terminally",
				zap.String("error_code", outcome.Failure.Code),
				zap.String("error", outcome.Failure.Message),
				zap.Int("attempt", outcome.Attempt))
		}
	}
}

// Process runs the per-post state machine for one delivered job:
// mark processing, resolve credentials, deliver, record the outcome.
func (p *Pool) Process(ctx context.Context, job *queue.Job) Outcome {
	var tj models.TweetJob
	if err := json.Unmarshal(job.Payload, &tj); err != nil {
		// Poison payload: nothing to update in the ledger, drop the job.
		p.logger.Error("malformed job payload", zap.String("job_id", job.ID), zap.Error(err))
		return terminalOutcome("", 0, gateway.Classify(err))
	}

	now := time.Now()

	// Circuit breaker: while the platform circuit is open, reschedule the
	// job without touching the ledger. The check runs before BeginAttempt,
	// so waiting out a cooldown never consumes the post's attempt budget
	// and can never push it to terminal FAILED.
	if rl, found, rlErr := p.ledger.GetRateLimit(ctx, tj.Platform); rlErr != nil {
		p.logger.Warn("rate limit read failed, continuing",
			zap.String("post_id", tj.ScheduledPostID), zap.Error(rlErr))
	} else if found && rl.CircuitOpen(now) {
		failure := &gateway.DeliveryError{
			Code:      models.ErrCodeRateLimited,
			Message:   fmt.Sprintf("platform circuit open until %s", rl.CircuitOpenUntil.UTC().Format(time.RFC3339)),
			Retryable: true,
		}
		return retryOutcome(tj.ScheduledPostID, 0, failure)
	}

	attempts, err := p.ledger.BeginAttempt(ctx, tj.ScheduledPostID)
	if errors.Is(err, store.ErrNoTransition) {
		// The row is already terminal. A lease that expired mid-delivery
		// can redeliver a job whose post has since been POSTED or FAILED;
		// ack it without resurrecting the row.
		p.logger.Info("post already terminal, dropping stale delivery",
			zap.String("job_id", job.ID), zap.String("post_id", tj.ScheduledPostID))
		return Outcome{Kind: OutcomeTerminal, PostID: tj.ScheduledPostID}
	}
	if err != nil {
		p.logger.Error("begin attempt failed",
			zap.String("job_id", job.ID), zap.String("post_id", tj.ScheduledPostID), zap.Error(err))
		return terminalOutcome(tj.ScheduledPostID, 0, gateway.Classify(err))
	}

	conn, found, err := p.ledger.ActiveConnection(ctx, tj.UserID, tj.Platform)
	if err != nil {
		failure := &gateway.DeliveryError{
			Code:      models.ErrCodeNetworkError,
			Message:   fmt.Sprintf("credential lookup failed: %v", err),
			Retryable: true,
		}
		return p.finishFailure(ctx, tj, attempts, failure, false)
	}
	if !found {
		return p.finishFailure(ctx, tj, attempts, &gateway.DeliveryError{
			Code:      models.ErrCodeNoConnection,
			Message:   "user has no active twitter connection",
			Retryable: false,
		}, false)
	}
	if conn.AccessSecret == nil || *conn.AccessSecret == "" {
		return p.finishFailure(ctx, tj, attempts, &gateway.DeliveryError{
			Code:      models.ErrCodeMissingAccessSecret,
			Message:   "connection is missing its access secret",
			Retryable: false,
		}, false)
	}
	if conn.Expired(now) {
		return p.finishFailure(ctx, tj, attempts, &gateway.DeliveryError{
			Code:      models.ErrCodeTokenExpired,
			Message:   "connection token has expired, reconnect required",
			Retryable: false,
		}, false)
	}

	creds := gateway.Credentials{AccessToken: conn.AccessToken, AccessSecret: *conn.AccessSecret}
	start := time.Now()
	res, err := p.gw.PostTweet(ctx, creds, tj.Content, tj.MediaURLs)
	telemetry.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return p.finishFailure(ctx, tj, attempts, gateway.Classify(err), true)
	}

	return p.finishSuccess(ctx, tj, attempts, res)
}

// finishSuccess records a confirmed delivery. The tweet already exists
// externally, so bookkeeping failures here are logged and swallowed, never
// surfaced as a job failure.
func (p *Pool) finishSuccess(ctx context.Context, tj models.TweetJob, attempts int, res gateway.PostResult) Outcome {
	log := p.logger.With(zap.String("post_id", tj.ScheduledPostID))

	if err := p.ledger.MarkPosted(ctx, tj.ScheduledPostID, res.TweetID, res.TweetURL); err != nil {
		log.Error("mark posted failed after successful delivery", zap.Error(err))
	}
	if tj.ContentID != "" {
		if err := p.ledger.MarkContentPosted(ctx, tj.ContentID); err != nil {
			log.Warn("content status propagation failed", zap.Error(err))
		}
	}
	if err := p.ledger.ConsumeQuota(ctx, tj.Platform, p.cfg.DailyPostLimit); err != nil {
		log.Warn("quota decrement failed", zap.Error(err))
	}
	return successOutcome(tj.ScheduledPostID, attempts, res)
}

// finishFailure applies the retry decision: retryable AND under the attempt
// ceiling loops the row back to QUEUED for queue-level redelivery; anything
// else is terminal FAILED. bumpStreak feeds platform-side failures into the
// circuit breaker; credential failures do not count.
func (p *Pool) finishFailure(ctx context.Context, tj models.TweetJob, attempts int, failure *gateway.DeliveryError, bumpStreak bool) Outcome {
	log := p.logger.With(zap.String("post_id", tj.ScheduledPostID), zap.String("error_code", failure.Code))

	if bumpStreak && failure.Retryable {
		openUntil := time.Now().Add(p.cfg.CircuitCooldown)
		if streak, err := p.ledger.RecordDeliveryFailure(ctx, tj.Platform, p.cfg.CircuitFailureThreshold, openUntil); err != nil {
			log.Warn("failure streak update failed", zap.Error(err))
		} else if streak == p.cfg.CircuitFailureThreshold {
			log.Warn("platform circuit opened",
				zap.Int("consecutive_failures", streak),
				zap.Time("open_until", openUntil))
		}
	}

	if failure.Retryable && attempts < p.cfg.MaxAttempts {
		if err := p.ledger.MarkRetrying(ctx, tj.ScheduledPostID, failure.Code, failure.Message); err != nil {
			log.Error("mark retrying failed", zap.Error(err))
		}
		return retryOutcome(tj.ScheduledPostID, attempts, failure)
	}

	if err := p.ledger.MarkFailed(ctx, tj.ScheduledPostID, failure.Code, failure.Message); err != nil {
		log.Error("mark failed failed", zap.Error(err))
	}
	return terminalOutcome(tj.ScheduledPostID, attempts, failure)
}

func (p *Pool) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
