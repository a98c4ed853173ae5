package models

import "time"

// ActivityAction enumerates what an activity-log row records.
type ActivityAction string

const (
	ActivityFetch          ActivityAction = "fetch"
	ActivityPublish        ActivityAction = "publish"
	ActivitySkip           ActivityAction = "skip"
	ActivityError          ActivityAction = "error"
	ActivityTransientError ActivityAction = "transient_error"
	ActivityMediaUpload    ActivityAction = "media_upload"
	ActivityProfileSync    ActivityAction = "profile_sync"
)

// ActivityLog is an append-only audit row.
type ActivityLog struct {
	ID        string                 `json:"id"`
	SourceID  string                 `json:"source_id,omitempty"`
	Action    ActivityAction         `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
