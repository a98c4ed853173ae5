package pipeline

import (
	"context"

	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/publisher"
)

// PublishedStore is the dedupe index and thread-parent lookup.
type PublishedStore interface {
	IsPublished(ctx context.Context, sourceID, postID string) (bool, error)
	MarkPublished(ctx context.Context, row models.PublishedPost) error
	FindByPlatformURI(ctx context.Context, sourceID, uri string) (*models.PublishedPost, error)
	FindByPostID(ctx context.Context, sourceID, postID string) (*models.PublishedPost, error)
}

// EditBufferStore backs the edit detector.
type EditBufferStore interface {
	Add(ctx context.Context, entry models.EditBufferEntry) error
	FindByTextHash(ctx context.Context, username, hash string) (*models.EditBufferEntry, error)
}

// SourceStateStore records per-source outcome counters.
type SourceStateStore interface {
	MarkCheckSuccess(ctx context.Context, sourceID string, postsPublished int) error
	MarkCheckError(ctx context.Context, sourceID, msg string) error
	MarkCheckTransient(ctx context.Context, sourceID string) error
}

// ActivityStore is the append-only audit log.
type ActivityStore interface {
	Log(ctx context.Context, entry models.ActivityLog) error
}

// StatusPublisher is the per-target-account publishing surface.
type StatusPublisher interface {
	Publish(ctx context.Context, req publisher.PublishRequest) (*publisher.Status, error)
	UpdateStatus(ctx context.Context, statusID, text string) (*publisher.Status, error)
	DeleteStatus(ctx context.Context, statusID string) error
	UploadMedia(ctx context.Context, m models.Media) (string, error)
}
