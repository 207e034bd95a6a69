// Package dispatcher runs the control side of the pipeline: three
// independent periodic tasks that promote due posts into the work queue,
// recover ledger rows stuck in PROCESSING, and reset the daily posting
// quota. Each task is idempotent and fault-isolated: one failing run is
// logged and swallowed, never stopping the others.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tweet-scheduler/internal/config"
	"tweet-scheduler/internal/models"
	"tweet-scheduler/internal/queue"
	"tweet-scheduler/internal/store"
	"tweet-scheduler/internal/telemetry"
)

// Ledger is the slice of the post ledger the dispatcher mutates.
// Implemented by *store.Store.
type Ledger interface {
	FindDuePosts(ctx context.Context, platform string, until time.Time, limit int) ([]models.DuePost, error)
	MarkQueued(ctx context.Context, id, jobID string, queuedAt time.Time) error
	FindStuckPosts(ctx context.Context, startedBefore time.Time) ([]models.ScheduledPost, error)
	ResetStuck(ctx context.Context, id, note string) error
	ResetQuota(ctx context.Context, platform string, dailyLimit int) error
}

// WorkQueue is the producer-side queue contract. Implemented by *queue.Queue.
type WorkQueue interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, queuePriority int, runAt time.Time) error
	JobState(ctx context.Context, jobID string) (string, error)
}

// Dispatcher owns the cron schedule and the three task bodies.
type Dispatcher struct {
	cfg    config.Config
	ledger Ledger
	queue  WorkQueue
	logger *zap.Logger
	cron   *cron.Cron
}

func New(cfg config.Config, ledger Ledger, q WorkQueue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		ledger: ledger,
		queue:  q,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start runs the promote and recover tasks once immediately, covering
// posts and crashes missed while the process was down, then starts the
// periodic triggers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runTask(ctx, "promote_due_posts", d.PromoteDuePosts)
	d.runTask(ctx, "recover_stuck_posts", d.RecoverStuckPosts)

	schedules := []struct {
		spec string
		name string
		task func(context.Context) error
	}{
		{"@every 1m", "promote_due_posts", d.PromoteDuePosts},
		{"@every 5m", "recover_stuck_posts", d.RecoverStuckPosts},
		{"0 0 * * *", "reset_daily_quota", d.ResetDailyQuota},
	}
	for _, s := range schedules {
		s := s
		if _, err := d.cron.AddFunc(s.spec, func() { d.runTask(ctx, s.name, s.task) }); err != nil {
			return fmt.Errorf("schedule %s: %w", s.name, err)
		}
	}

	d.cron.Start()
	d.logger.Info("dispatcher started",
		zap.Duration("lookahead", d.cfg.PromoteLookahead),
		zap.Duration("stuck_threshold", d.cfg.StuckThreshold))
	return nil
}

// Stop halts the triggers and waits for any running task body to finish.
func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("dispatcher stopped")
}

// runTask fault-isolates one task run: errors are logged, never propagated.
func (d *Dispatcher) runTask(ctx context.Context, name string, task func(context.Context) error) {
	if err := task(ctx); err != nil {
		d.logger.Error("dispatcher task failed", zap.String("task", name), zap.Error(err))
	}
}

// PromoteDuePosts finds PENDING rows due within the look-ahead window and
// enqueues a delayed, deduplicated, priority-weighted job for each.
func (d *Dispatcher) PromoteDuePosts(ctx context.Context) error {
	now := time.Now()
	due, err := d.ledger.FindDuePosts(ctx, models.PlatformTwitter, now.Add(d.cfg.PromoteLookahead), d.cfg.PromoteBatchSize)
	if err != nil {
		return fmt.Errorf("find due posts: %w", err)
	}

	for _, cand := range due {
		post := cand.Post
		log := d.logger.With(zap.String("post_id", post.ID))

		jobID := models.TweetJobID(post.ID)
		payload, err := json.Marshal(models.TweetJob{
			ScheduledPostID: post.ID,
			UserID:          post.UserID,
			ContentID:       post.ContentID,
			Platform:        post.Platform,
			Content:         cand.Text,
			MediaURLs:       cand.MediaURLs,
			Priority:        post.Priority,
		})
		if err != nil {
			log.Error("marshal job payload", zap.Error(err))
			continue
		}

		// Posts already past due run immediately; future posts keep their
		// scheduled instant as the queue delay.
		runAt := post.ScheduledFor
		if runAt.Before(now) {
			runAt = now
		}

		err = d.queue.Enqueue(ctx, jobID, payload, queue.QueuePriority(post.Priority), runAt)
		if errors.Is(err, queue.ErrDuplicateJob) {
			// Another tick or process already queued it; leave the row alone.
			telemetry.DuplicateSkips.Inc()
			log.Info("job already enqueued, skipping", zap.String("job_id", jobID))
			continue
		}
		if err != nil {
			// Row stays PENDING, the next tick retries.
			log.Error("enqueue failed, leaving post pending", zap.Error(err))
			continue
		}

		if err := d.ledger.MarkQueued(ctx, post.ID, jobID, now); err != nil {
			if errors.Is(err, store.ErrNoTransition) {
				log.Warn("post left PENDING during promotion, not marking queued")
				continue
			}
			log.Error("mark queued failed", zap.Error(err))
			continue
		}
		telemetry.PostsPromoted.Inc()
		log.Info("post promoted",
			zap.String("job_id", jobID),
			zap.Duration("delay", runAt.Sub(now)),
			zap.Int("queue_priority", queue.QueuePriority(post.Priority)))
	}
	return nil
}

// RecoverStuckPosts resets rows stuck in PROCESSING past the threshold
// whose queue job is no longer active. This is the only self-healing path
// for worker crashes mid-delivery: it trades a small duplicate-post risk
// against bounded recovery time.
func (d *Dispatcher) RecoverStuckPosts(ctx context.Context) error {
	cutoff := time.Now().Add(-d.cfg.StuckThreshold)
	stuck, err := d.ledger.FindStuckPosts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stuck posts: %w", err)
	}

	for _, post := range stuck {
		log := d.logger.With(zap.String("post_id", post.ID))

		if post.JobID != nil {
			state, err := d.queue.JobState(ctx, *post.JobID)
			if err != nil {
				// Lookup failure counts as "not active": recovery beats
				// indefinite stuckness.
				log.Warn("job state lookup failed, treating as not active", zap.Error(err))
			} else if state == queue.StateActive {
				log.Info("job still active, not resetting", zap.String("job_id", *post.JobID))
				continue
			}
		}

		note := fmt.Sprintf("reset to PENDING: stuck in PROCESSING since %s with no active job",
			started(post).UTC().Format(time.RFC3339))
		if err := d.ledger.ResetStuck(ctx, post.ID, note); err != nil {
			if errors.Is(err, store.ErrNoTransition) {
				log.Info("post no longer PROCESSING, skipping reset")
				continue
			}
			log.Error("reset stuck post failed", zap.Error(err))
			continue
		}
		telemetry.PostsRecovered.Inc()
		log.Warn("stuck post reset to PENDING", zap.Int("attempts", post.Attempts))
	}
	return nil
}

// ResetDailyQuota restores the platform's daily posting maximum with a
// fresh 24h window.
func (d *Dispatcher) ResetDailyQuota(ctx context.Context) error {
	if err := d.ledger.ResetQuota(ctx, models.PlatformTwitter, d.cfg.DailyPostLimit); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	d.logger.Info("daily quota reset", zap.Int("posts_remaining", d.cfg.DailyPostLimit))
	return nil
}

func started(p models.ScheduledPost) time.Time {
	if p.StartedAt != nil {
		return *p.StartedAt
	}
	return p.UpdatedAt
}
