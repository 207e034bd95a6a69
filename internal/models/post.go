package models

import (
	"fmt"
	"time"
)

// PostStatus enumerates the ledger lifecycle states persisted in Postgres.
const (
	StatusPending    = "PENDING"
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusPosted     = "POSTED"
	StatusFailed     = "FAILED"
)

// PlatformTwitter is the only platform currently dispatched; the column is
// free-form so new platforms only need their own gateway.
const PlatformTwitter = "twitter"

// ScheduledPost is one ledger row: a single post awaiting or having
// undergone delivery.
type ScheduledPost struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ContentID      string     `json:"content_id"`
	Platform       string     `json:"platform"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	JobID          *string    `json:"job_id,omitempty"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	PlatformPostID *string    `json:"platform_post_id,omitempty"`
	PlatformURL    *string    `json:"platform_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PostContent is the upstream content record a ledger row points at.
// The worker propagates the posted status back to it after delivery.
type PostContent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	MediaURLs []string  `json:"media_urls,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentStatusPosted mirrors the ledger's POSTED state onto the content row.
const ContentStatusPosted = "posted"

// SocialConnection is the per-user, per-platform credential bundle. Owned by
// the account-management service; this pipeline only reads it.
type SocialConnection struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Platform     string     `json:"platform"`
	AccessToken  string     `json:"-"`
	AccessSecret *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// Expired reports whether the connection's token is past its expiry.
// Connections without an expiry never expire.
func (c SocialConnection) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// RateLimitState is the durable per-platform posting quota row.
type RateLimitState struct {
	Platform            string     `json:"platform"`
	PostsRemaining      int        `json:"posts_remaining"`
	WindowResetAt       time.Time  `json:"window_reset_at"`
	LastPostAt          *time.Time `json:"last_post_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
}

// CircuitOpen reports whether delivery is short-circuited for the platform.
func (r RateLimitState) CircuitOpen(now time.Time) bool {
	return r.CircuitOpenUntil != nil && now.Before(*r.CircuitOpenUntil)
}

// TweetJob is the payload snapshot carried by a work-queue job. It is keyed
// by a deterministic id derived from the post id, so at most one live queue
// entry per post exists even under concurrent dispatch ticks.
type TweetJob struct {
	ScheduledPostID string   `json:"scheduled_post_id"`
	UserID          string   `json:"user_id"`
	ContentID       string   `json:"content_id"`
	Platform        string   `json:"platform"`
	Content         string   `json:"content"`
	MediaURLs       []string `json:"media_urls,omitempty"`
	Priority        int      `json:"priority"`
}

// DuePost is a promotion candidate: the ledger row joined with the content
// snapshot the queue job will carry.
type DuePost struct {
	Post      ScheduledPost
	Text      string
	MediaURLs []string
}

// TweetJobID derives the deterministic work-queue id for a post.
func TweetJobID(postID string) string {
	return fmt.Sprintf("tweet-%s", postID)
}
