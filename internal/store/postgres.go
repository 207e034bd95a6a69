package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tweet-scheduler/internal/models"
)

// ErrNotFound is returned when a point read matches no row.
var ErrNotFound = errors.New("not found")

// ErrNoTransition is returned when a guarded status update matched no row,
// meaning the row was no longer in the expected source state.
var ErrNoTransition = errors.New("no matching row for status transition")

// Store wraps pgxpool for Postgres persistence of the post ledger,
// social connections, and rate-limit state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const postColumns = `id, user_id, content_id, platform, scheduled_for, priority, status,
	job_id, queued_at, started_at, completed_at, attempts, last_attempt_at,
	error_code, error_message, platform_post_id, platform_url, created_at, updated_at`

func scanPost(row pgx.Row) (models.ScheduledPost, error) {
	var p models.ScheduledPost
	err := row.Scan(&p.ID, &p.UserID, &p.ContentID, &p.Platform, &p.ScheduledFor, &p.Priority,
		&p.Status, &p.JobID, &p.QueuedAt, &p.StartedAt, &p.CompletedAt, &p.Attempts,
		&p.LastAttemptAt, &p.ErrorCode, &p.ErrorMessage, &p.PlatformPostID, &p.PlatformURL,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetPost fetches a ledger row by id.
func (s *Store) GetPost(ctx context.Context, id string) (models.ScheduledPost, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledPost{}, ErrNotFound
	}
	if err != nil {
		return models.ScheduledPost{}, fmt.Errorf("scan post: %w", err)
	}
	return p, nil
}

// FindDuePosts returns PENDING rows for the platform scheduled at or before
// the horizon, highest priority first, earliest-due winning ties. Each row
// is joined with its content snapshot so the queue job can carry it.
func (s *Store) FindDuePosts(ctx context.Context, platform string, until time.Time, limit int) ([]models.DuePost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.user_id, p.content_id, p.platform, p.scheduled_for, p.priority, p.status,
		       p.job_id, p.queued_at, p.started_at, p.completed_at, p.attempts, p.last_attempt_at,
		       p.error_code, p.error_message, p.platform_post_id, p.platform_url, p.created_at, p.updated_at,
		       c.text, c.media_urls
		FROM scheduled_posts p
		JOIN post_contents c ON c.id = p.content_id
		WHERE p.status = $1 AND p.platform = $2 AND p.scheduled_for <= $3
		ORDER BY p.priority DESC, p.scheduled_for ASC
		LIMIT $4
	`, models.StatusPending, platform, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer rows.Close()

	var out []models.DuePost
	for rows.Next() {
		var d models.DuePost
		var mediaJSON []byte
		p := &d.Post
		err := rows.Scan(&p.ID, &p.UserID, &p.ContentID, &p.Platform, &p.ScheduledFor, &p.Priority,
			&p.Status, &p.JobID, &p.QueuedAt, &p.StartedAt, &p.CompletedAt, &p.Attempts,
			&p.LastAttemptAt, &p.ErrorCode, &p.ErrorMessage, &p.PlatformPostID, &p.PlatformURL,
			&p.CreatedAt, &p.UpdatedAt, &d.Text, &mediaJSON)
		if err != nil {
			return nil, fmt.Errorf("scan due post: %w", err)
		}
		if len(mediaJSON) > 0 {
			if err := json.Unmarshal(mediaJSON, &d.MediaURLs); err != nil {
				return nil, fmt.Errorf("unmarshal media urls: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkQueued transitions PENDING -> QUEUED, recording the work-queue job id.
// Returns ErrNoTransition when the row left PENDING in the meantime.
func (s *Store) MarkQueued(ctx context.Context, id, jobID string, queuedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $2, job_id = $3, queued_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusQueued, jobID, queuedAt, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}

// BeginAttempt transitions a row to PROCESSING, increments its attempt
// counter atomically, and returns the new attempt number. This runs before
// any external call, so a crash afterwards is what stuck-job recovery sees.
// Terminal rows are never resurrected: a stale queue redelivery arriving
// after the row reached POSTED or FAILED gets ErrNoTransition.
func (s *Store) BeginAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE scheduled_posts
		SET status = $2, attempts = attempts + 1, started_at = NOW(),
		    last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
		RETURNING attempts
	`, id, models.StatusProcessing, models.StatusPosted, models.StatusFailed).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoTransition
	}
	if err != nil {
		return 0, fmt.Errorf("begin attempt: %w", err)
	}
	return attempts, nil
}

// MarkPosted records a successful delivery: terminal POSTED with the
// platform's post id and URL, error fields cleared.
func (s *Store) MarkPosted(ctx context.Context, id, platformPostID, platformURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $2, platform_post_id = $3, platform_url = $4,
		    completed_at = NOW(), error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPosted, platformPostID, platformURL)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure with its classification.
func (s *Store) MarkFailed(ctx context.Context, id, code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $2, error_code = $3, error_message = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, code, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkRetrying loops a row back to QUEUED ahead of queue-level redelivery,
// keeping the last failure visible on the row.
func (s *Store) MarkRetrying(ctx context.Context, id, code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $2, error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, code, message)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// FindStuckPosts returns PROCESSING rows whose attempt started before the
// cutoff, i.e. candidates for stuck-job recovery.
func (s *Store) FindStuckPosts(ctx context.Context, startedBefore time.Time) ([]models.ScheduledPost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = $1 AND started_at < $2
	`, models.StatusProcessing, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("query stuck posts: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetStuck is the one sanctioned PROCESSING -> PENDING transition. It
// clears the queue linkage so the next promotion tick can re-enqueue the
// post, and leaves a diagnostic note on the row.
func (s *Store) ResetStuck(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $2, job_id = NULL, queued_at = NULL, started_at = NULL,
		    error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusPending, note, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("reset stuck: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}

// ActiveConnection returns the active credential bundle for (user, platform).
// The found flag is false when the user has no active connection.
func (s *Store) ActiveConnection(ctx context.Context, userID, platform string) (models.SocialConnection, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, platform, access_token, access_secret, expires_at, is_active
		FROM social_connections
		WHERE user_id = $1 AND platform = $2 AND is_active
	`, userID, platform)

	var c models.SocialConnection
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.AccessToken, &c.AccessSecret, &c.ExpiresAt, &c.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SocialConnection{}, false, nil
	}
	if err != nil {
		return models.SocialConnection{}, false, fmt.Errorf("query connection: %w", err)
	}
	return c, true, nil
}

// CreateContent inserts an upstream content row. Used by fixtures and the
// ops API; production content rows come from the producing service.
func (s *Store) CreateContent(ctx context.Context, c models.PostContent) error {
	mediaJSON, err := json.Marshal(c.MediaURLs)
	if err != nil {
		return fmt.Errorf("marshal media urls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO post_contents (id, user_id, text, media_urls, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, c.ID, c.UserID, c.Text, mediaJSON, c.Status)
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

// MarkContentPosted propagates a successful delivery to the content record.
func (s *Store) MarkContentPosted(ctx context.Context, contentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE post_contents SET status = $2 WHERE id = $1
	`, contentID, models.ContentStatusPosted)
	if err != nil {
		return fmt.Errorf("mark content posted: %w", err)
	}
	return nil
}

// GetRateLimit reads the platform's quota row.
func (s *Store) GetRateLimit(ctx context.Context, platform string) (models.RateLimitState, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT platform, posts_remaining, window_reset_at, last_post_at,
		       consecutive_failures, circuit_open_until
		FROM rate_limits WHERE platform = $1
	`, platform)

	var r models.RateLimitState
	err := row.Scan(&r.Platform, &r.PostsRemaining, &r.WindowResetAt, &r.LastPostAt,
		&r.ConsecutiveFailures, &r.CircuitOpenUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RateLimitState{}, false, nil
	}
	if err != nil {
		return models.RateLimitState{}, false, fmt.Errorf("query rate limit: %w", err)
	}
	return r, true, nil
}

// ConsumeQuota decrements the platform's remaining quota after a successful
// post, refreshes last_post_at, and clears the failure streak.
func (s *Store) ConsumeQuota(ctx context.Context, platform string, dailyLimit int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_limits (platform, posts_remaining, window_reset_at, last_post_at, consecutive_failures)
		VALUES ($1, $2 - 1, NOW() + INTERVAL '24 hours', NOW(), 0)
		ON CONFLICT (platform) DO UPDATE
		SET posts_remaining = GREATEST(rate_limits.posts_remaining - 1, 0),
		    last_post_at = NOW(),
		    consecutive_failures = 0,
		    circuit_open_until = NULL
	`, platform, dailyLimit)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	return nil
}

// ResetQuota restores the platform's daily maximum with a fresh 24h window.
func (s *Store) ResetQuota(ctx context.Context, platform string, dailyLimit int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_limits (platform, posts_remaining, window_reset_at)
		VALUES ($1, $2, NOW() + INTERVAL '24 hours')
		ON CONFLICT (platform) DO UPDATE
		SET posts_remaining = $2,
		    window_reset_at = NOW() + INTERVAL '24 hours'
	`, platform, dailyLimit)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	return nil
}

// RecordDeliveryFailure bumps the platform's failure streak and opens the
// circuit for the cooldown once the streak crosses the threshold. Returns
// the streak after the bump.
func (s *Store) RecordDeliveryFailure(ctx context.Context, platform string, threshold int, openUntil time.Time) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (platform, posts_remaining, window_reset_at, consecutive_failures)
		VALUES ($1, 0, NOW() + INTERVAL '24 hours', 1)
		ON CONFLICT (platform) DO UPDATE
		SET consecutive_failures = rate_limits.consecutive_failures + 1,
		    circuit_open_until = CASE
		        WHEN rate_limits.consecutive_failures + 1 >= $2 THEN $3
		        ELSE rate_limits.circuit_open_until
		    END
		RETURNING consecutive_failures
	`, platform, threshold, openUntil).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("record delivery failure: %w", err)
	}
	return failures, nil
}
