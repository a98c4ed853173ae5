package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tlambot/feedgate/internal/models"
)

// ThreadResolver finds the target-instance status a thread post must reply
// to. Within one run the last published status per (source, author) is
// cached; across runs the dedupe index is consulted by platform URI or post
// ID.
type ThreadResolver struct {
	store  PublishedStore
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]map[string]string
}

// NewThreadResolver creates a resolver backed by the dedupe index.
func NewThreadResolver(store PublishedStore, logger *slog.Logger) *ThreadResolver {
	return &ThreadResolver{
		store:  store,
		logger: logger,
		cache:  make(map[string]map[string]string),
	}
}

// Resolve returns the in_reply_to status ID for a thread post, or empty when
// the parent is unknown. Replies to foreign accounts are never threaded.
func (t *ThreadResolver) Resolve(ctx context.Context, sourceID string, post models.Post) string {
	if !post.IsThreadPost {
		return ""
	}

	if post.ReplyTo != "" {
		var row *models.PublishedPost
		var err error
		if post.Platform == models.PlatformBluesky {
			row, err = t.store.FindByPlatformURI(ctx, sourceID, post.ReplyTo)
		} else {
			row, err = t.store.FindByPostID(ctx, sourceID, post.ReplyTo)
		}
		if err != nil {
			t.logger.Warn("thread parent lookup failed", "source_id", sourceID, "reply_to", post.ReplyTo, "error", err)
		} else if row != nil {
			return row.TargetStatusID
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if byUser, ok := t.cache[sourceID]; ok {
		return byUser[post.Author.Username]
	}
	return ""
}

// Record remembers the latest published status for (source, author) so the
// next thread post in this run can chain to it without a store round trip.
func (t *ThreadResolver) Record(sourceID, username, statusID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byUser, ok := t.cache[sourceID]
	if !ok {
		byUser = make(map[string]string)
		t.cache[sourceID] = byUser
	}
	byUser[username] = statusID
}
