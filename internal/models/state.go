package models

import "time"

// PublishedPost is a row of the dedupe index. PlatformURI holds the
// AT-style URI used for thread parent lookup on Bluesky-like platforms.
type PublishedPost struct {
	SourceID       string    `json:"source_id"`
	PostID         string    `json:"post_id"`
	PostURL        string    `json:"post_url"`
	TargetStatusID string    `json:"target_status_id"`
	PlatformURI    string    `json:"platform_uri,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// SourceState tracks per-source scheduling and error-budget state.
type SourceState struct {
	SourceID   string     `json:"source_id"`
	LastCheck  *time.Time `json:"last_check,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	PostsToday int        `json:"posts_today"`
	LastReset  *time.Time `json:"last_reset,omitempty"`
	ErrorCount int        `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// Disabled reports whether the scheduler must skip this source.
func (s SourceState) Disabled() bool { return s.DisabledAt != nil }

// EditBufferEntry supports edit detection: a recently published post keyed
// by (source, post) with a hash of its normalised text. Retention is 2 h.
type EditBufferEntry struct {
	SourceID       string    `json:"source_id"`
	PostID         string    `json:"post_id"`
	Username       string    `json:"username"`
	TextNormalized string    `json:"text_normalized"`
	TextHash       string    `json:"text_hash"`
	TargetStatusID string    `json:"target_status_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// EditWindow is how far back an identical text hash still counts as an
// edit of an earlier post. Older matches are treated as new posts.
const EditWindow = time.Hour

// EditBufferRetention is how long edit-buffer rows are kept before cleanup.
// Longer than EditWindow so a row is never deleted while still matchable.
const EditBufferRetention = 2 * time.Hour
