package pipeline

import (
	"context"
	"log/slog"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/formatter"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/publisher"
)

// Outcome is the terminal state of one post's pipeline run.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result describes how a pipeline run ended.
type Result struct {
	Outcome  Outcome
	Reason   string
	StatusID string
	// Updated marks an in-place edit of an existing status rather than a
	// new publish.
	Updated bool
}

// Pipeline is the ordered stage machine every post runs through, shared by
// the pull path and the webhook path.
type Pipeline struct {
	published   PublishedStore
	editBuffer  EditBufferStore
	sourceState SourceStateStore
	activity    ActivityStore
	threads     *ThreadResolver
	logger      *slog.Logger
}

// New wires the pipeline to its stores.
func New(published PublishedStore, editBuffer EditBufferStore, sourceState SourceStateStore, activity ActivityStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		published:   published,
		editBuffer:  editBuffer,
		sourceState: sourceState,
		activity:    activity,
		threads:     NewThreadResolver(published, logger),
		logger:      logger,
	}
}

// editDetectable reports whether the platform participates in edit
// detection.
func editDetectable(platform models.Platform) bool {
	return platform == models.PlatformTwitter || platform == models.PlatformBluesky
}

// Process runs one post through the full stage sequence. Stages execute in
// order; the first terminal result wins and later stages never run.
func (p *Pipeline) Process(ctx context.Context, source config.SourceConfig, pub StatusPublisher, post models.Post) Result {
	sourceID := source.ID
	log := p.logger.With("source_id", sourceID, "post_id", post.ID)

	// Stage 1: dedupe.
	alreadyPublished, err := p.published.IsPublished(ctx, sourceID, post.ID)
	if err != nil {
		return p.fail(ctx, sourceID, post, models.NewError(models.ErrKindTransient, err))
	}
	if alreadyPublished {
		return p.skip(ctx, sourceID, post, "duplicate")
	}

	// Stage 2: edit detection.
	var editEntry *models.EditBufferEntry
	var normalized, hash string
	if editDetectable(post.Platform) {
		normalized = NormalizeText(post.Text)
		hash = TextHash(normalized)
		if normalized != "" {
			entry, err := p.editBuffer.FindByTextHash(ctx, post.Author.Username, hash)
			if err != nil {
				log.Warn("edit buffer lookup failed", "error", err)
			} else if entry != nil && entry.PostID != post.ID {
				if PlatformIDLess(post.Platform, post.ID, entry.PostID) {
					return p.skip(ctx, sourceID, post, "older_version")
				}
				editEntry = entry
			}
		}
	}

	// Stage 3: content filtering.
	if reason := filterPost(post, source.Filtering, log); reason != "" {
		return p.skip(ctx, sourceID, post, reason)
	}

	// Stages 4-7: format, replacements, trim, URL cleanup.
	text := formatter.New(source, log).Format(post)
	text = formatter.ApplyReplacements(text, source.Formatting.Replacements, log)
	text = formatter.Trim(text, source.Formatting)
	text = CleanURLs(text, source.Processing.URLCleanAllowHosts)

	// Stage 8: media upload. A single rejected attachment degrades the post
	// to fewer attachments; anything else fails the run.
	var mediaIDs []string
	for _, m := range post.AttachableMedia() {
		id, err := pub.UploadMedia(ctx, m)
		if err != nil {
			if models.IsKind(err, models.ErrKindValidation) {
				log.Warn("media rejected, attaching without it", "url", m.URL, "error", err)
				p.logActivity(ctx, sourceID, models.ActivityMediaUpload, map[string]interface{}{
					"post_id": post.ID, "url": m.URL, "error": err.Error(),
				})
				continue
			}
			return p.fail(ctx, sourceID, post, err)
		}
		mediaIDs = append(mediaIDs, id)
	}
	if len(mediaIDs) > models.MaxAttachableMedia {
		mediaIDs = mediaIDs[:models.MaxAttachableMedia]
	}

	// Stage 9a: edit path. Text-only edits update in place; media is
	// immutable on edit, so an edit carrying media deletes and republishes.
	if editEntry != nil {
		if len(mediaIDs) == 0 {
			status, err := pub.UpdateStatus(ctx, editEntry.TargetStatusID, text)
			if err == nil {
				return p.finishPublished(ctx, source, post, status, normalized, hash, true)
			}
			switch models.KindOf(err) {
			case models.ErrKindNotFound, models.ErrKindEditForbidden:
				log.Warn("edit rejected, republishing", "target_status_id", editEntry.TargetStatusID, "error", err)
			default:
				return p.fail(ctx, sourceID, post, err)
			}
		} else {
			if err := pub.DeleteStatus(ctx, editEntry.TargetStatusID); err != nil && !models.IsKind(err, models.ErrKindNotFound) {
				log.Warn("could not delete edited status, publishing anyway", "target_status_id", editEntry.TargetStatusID, "error", err)
			}
		}
	}

	// Stage 9b: publish, threading through the resolver.
	inReplyTo := p.threads.Resolve(ctx, sourceID, post)
	status, err := pub.Publish(ctx, publisher.PublishRequest{
		Text:      text,
		MediaIDs:  mediaIDs,
		InReplyTo: inReplyTo,
	})
	if err != nil {
		return p.fail(ctx, sourceID, post, err)
	}

	// Stages 10-11: record state.
	return p.finishPublished(ctx, source, post, status, normalized, hash, false)
}

func (p *Pipeline) finishPublished(ctx context.Context, source config.SourceConfig, post models.Post, status *publisher.Status, normalized, hash string, updated bool) Result {
	sourceID := source.ID

	platformURI := status.URI
	if uri, ok := post.Raw["at_uri"].(string); ok && uri != "" {
		// The origin AT-URI is what later thread posts reference.
		platformURI = uri
	}

	if err := p.published.MarkPublished(ctx, models.PublishedPost{
		SourceID:       sourceID,
		PostID:         post.ID,
		PostURL:        post.URL,
		TargetStatusID: status.ID,
		PlatformURI:    platformURI,
	}); err != nil {
		p.logger.Error("publish succeeded but dedupe insert failed", "source_id", sourceID, "post_id", post.ID, "error", err)
	}

	p.threads.Record(sourceID, post.Author.Username, status.ID)

	if editDetectable(post.Platform) && normalized != "" {
		if err := p.editBuffer.Add(ctx, models.EditBufferEntry{
			SourceID:       sourceID,
			PostID:         post.ID,
			Username:       post.Author.Username,
			TextNormalized: normalized,
			TextHash:       hash,
			TargetStatusID: status.ID,
		}); err != nil {
			p.logger.Warn("edit buffer insert failed", "source_id", sourceID, "post_id", post.ID, "error", err)
		}
	}

	if err := p.sourceState.MarkCheckSuccess(ctx, sourceID, 1); err != nil {
		p.logger.Warn("mark check success failed", "source_id", sourceID, "error", err)
	}
	p.logActivity(ctx, sourceID, models.ActivityPublish, map[string]interface{}{
		"post_id":   post.ID,
		"status_id": status.ID,
		"updated":   updated,
	})

	return Result{Outcome: OutcomePublished, StatusID: status.ID, Updated: updated}
}

func (p *Pipeline) skip(ctx context.Context, sourceID string, post models.Post, reason string) Result {
	p.logger.Debug("post skipped", "source_id", sourceID, "post_id", post.ID, "reason", reason)
	p.logActivity(ctx, sourceID, models.ActivitySkip, map[string]interface{}{
		"post_id": post.ID,
		"reason":  reason,
	})
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func (p *Pipeline) fail(ctx context.Context, sourceID string, post models.Post, err error) Result {
	if models.IsTransient(err) {
		p.logger.Warn("transient failure", "source_id", sourceID, "post_id", post.ID, "error", err)
		if serr := p.sourceState.MarkCheckTransient(ctx, sourceID); serr != nil {
			p.logger.Warn("mark check transient failed", "source_id", sourceID, "error", serr)
		}
		p.logActivity(ctx, sourceID, models.ActivityTransientError, map[string]interface{}{
			"post_id": post.ID,
			"error":   err.Error(),
		})
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}

	p.logger.Error("post failed", "source_id", sourceID, "post_id", post.ID, "error", err)
	if serr := p.sourceState.MarkCheckError(ctx, sourceID, err.Error()); serr != nil {
		p.logger.Warn("mark check error failed", "source_id", sourceID, "error", serr)
	}
	p.logActivity(ctx, sourceID, models.ActivityError, map[string]interface{}{
		"post_id": post.ID,
		"error":   err.Error(),
	})
	return Result{Outcome: OutcomeFailed, Reason: err.Error()}
}

func (p *Pipeline) logActivity(ctx context.Context, sourceID string, action models.ActivityAction, details map[string]interface{}) {
	if err := p.activity.Log(ctx, models.ActivityLog{
		SourceID: sourceID,
		Action:   action,
		Details:  details,
	}); err != nil {
		p.logger.Warn("activity log write failed", "action", action, "error", err)
	}
}
