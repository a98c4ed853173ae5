package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tlambot/feedgate/internal/adapters"
	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/pipeline"
)

// defaultFetchLimit caps one adapter fetch so a source returning from a
// long outage cannot flood a single run.
const defaultFetchLimit = 50

// activityRetention is how long activity log rows are kept.
const activityRetention = 30 * 24 * time.Hour

// SourceStateStore is the slice of source bookkeeping the orchestrator
// drives directly; per-post marking happens inside the pipeline.
type SourceStateStore interface {
	Get(ctx context.Context, sourceID string) (models.SourceState, error)
	SourcesDueForCheck(ctx context.Context, ids []string, interval time.Duration, limit int) ([]string, error)
	MarkCheckError(ctx context.Context, sourceID, msg string) error
	MarkCheckTransient(ctx context.Context, sourceID string) error
}

// EditBufferJanitor expires stale edit-buffer rows.
type EditBufferJanitor interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// ActivityJanitor expires old activity log rows. Optional.
type ActivityJanitor interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// PostProcessor runs one post through the publishing pipeline.
type PostProcessor interface {
	Process(ctx context.Context, source config.SourceConfig, pub pipeline.StatusPublisher, post models.Post) pipeline.Result
}

// Publisher is a target-account client: the pipeline surface plus the
// credential check run before a source's posts are attempted.
type Publisher interface {
	pipeline.StatusPublisher
	VerifyCredentials(ctx context.Context) (string, error)
}

// AdapterFactory builds the pull adapter for a source. A nil adapter with a
// nil error means the source has no pull path (webhook-driven platforms).
type AdapterFactory func(src config.SourceConfig, logger *slog.Logger) (adapters.Adapter, error)

// PublisherFactory builds the client for a target account.
type PublisherFactory func(acct config.TargetAccount, logger *slog.Logger) Publisher

// NewAdapter is the default factory covering the pull platforms. Twitter
// sources arrive through the webhook queue and have no pull adapter.
func NewAdapter(src config.SourceConfig, logger *slog.Logger) (adapters.Adapter, error) {
	switch src.Platform {
	case "rss":
		return adapters.NewRSSAdapter(src, logger)
	case "bluesky":
		return adapters.NewBlueskyAdapter(src, logger)
	case "youtube":
		return adapters.NewYouTubeAdapter(src, logger)
	case "twitter":
		return nil, nil
	default:
		return nil, models.Errorf(models.ErrKindConfig, "unknown platform %q for source %q", src.Platform, src.ID)
	}
}

// Summary aggregates one orchestrator run.
type Summary struct {
	SourcesChecked int
	SourcesFailed  int
	Published      int
	Skipped        int
	Failed         int
}

// Orchestrator is the pull-side batch runner: it selects due sources,
// fetches their new posts and feeds them through the pipeline, one source
// at a time.
type Orchestrator struct {
	tree       *config.Tree
	states     SourceStateStore
	editBuffer EditBufferJanitor
	activity   ActivityJanitor
	pipe       PostProcessor

	newAdapter   AdapterFactory
	newPublisher PublisherFactory

	fetchLimit int
	logger     *slog.Logger
	now        func() time.Time
}

// New wires the orchestrator.
func New(tree *config.Tree, states SourceStateStore, editBuffer EditBufferJanitor, activity ActivityJanitor, pipe PostProcessor, newPublisher PublisherFactory, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tree:         tree,
		states:       states,
		editBuffer:   editBuffer,
		activity:     activity,
		pipe:         pipe,
		newAdapter:   NewAdapter,
		newPublisher: newPublisher,
		fetchLimit:   defaultFetchLimit,
		logger:       logger,
		now:          time.Now,
	}
}

// Run executes one batch: due-source selection, per-source fetch and
// publish, then store cleanup. Cancelling ctx stops between sources; the
// source in flight always finishes.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	due, err := o.dueSources(ctx)
	if err != nil {
		return sum, err
	}
	o.logger.Info("run starting", slog.Int("due_sources", len(due)))

	verified := map[string]bool{}
	for _, src := range due {
		if ctx.Err() != nil {
			o.logger.Info("shutdown requested, stopping between sources")
			break
		}
		o.checkSource(ctx, src, verified, &sum)
	}

	o.cleanup(ctx)

	o.logger.Info("run finished",
		slog.Int("sources_checked", sum.SourcesChecked),
		slog.Int("sources_failed", sum.SourcesFailed),
		slog.Int("published", sum.Published),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed))
	return sum, nil
}

// dueSources selects the enabled pull sources whose priority interval has
// elapsed, high priority first.
func (o *Orchestrator) dueSources(ctx context.Context) ([]config.SourceConfig, error) {
	byPriority := map[config.Priority][]string{}
	index := map[string]config.SourceConfig{}
	for _, src := range o.tree.Sources {
		if !src.IsEnabled() || src.Platform == "twitter" {
			continue
		}
		byPriority[src.Priority] = append(byPriority[src.Priority], src.ID)
		index[src.ID] = src
	}

	var due []config.SourceConfig
	for _, prio := range []config.Priority{config.PriorityHigh, config.PriorityNormal, config.PriorityLow} {
		ids := byPriority[prio]
		if len(ids) == 0 {
			continue
		}
		dueIDs, err := o.states.SourcesDueForCheck(ctx, ids, prio.Interval(), 0)
		if err != nil {
			return nil, models.NewError(models.ErrKindState, err)
		}
		sort.Strings(dueIDs)
		for _, id := range dueIDs {
			due = append(due, index[id])
		}
	}
	return due, nil
}

func (o *Orchestrator) checkSource(ctx context.Context, src config.SourceConfig, verified map[string]bool, sum *Summary) {
	log := o.logger.With("source_id", src.ID, "platform", src.Platform)

	if src.Scheduling.InSkipHours(o.now()) {
		log.Debug("inside skip hours, not polling")
		return
	}

	acct, err := o.tree.AccountFor(&src)
	if err != nil {
		o.failSource(ctx, src.ID, err.Error(), sum)
		return
	}
	pub := o.newPublisher(acct, log)

	// One credential check per target account per run.
	if ok, seen := verified[src.TargetAccount]; seen && !ok {
		o.failSource(ctx, src.ID, "target account credentials rejected", sum)
		return
	} else if !seen {
		acctName, err := pub.VerifyCredentials(ctx)
		verified[src.TargetAccount] = err == nil
		if err != nil {
			log.Error("credential check failed",
				slog.String("target_account", src.TargetAccount),
				slog.String("error", err.Error()))
			o.failSource(ctx, src.ID, "target account credentials rejected: "+err.Error(), sum)
			return
		}
		log.Debug("credentials verified", slog.String("account", acctName))
	}

	adapter, err := o.newAdapter(src, log)
	if err != nil {
		o.failSource(ctx, src.ID, err.Error(), sum)
		return
	}
	if adapter == nil {
		return
	}

	state, err := o.states.Get(ctx, src.ID)
	if err != nil {
		o.failSource(ctx, src.ID, err.Error(), sum)
		return
	}
	since := time.Time{}
	if state.LastCheck != nil {
		since = *state.LastCheck
	}

	posts, err := adapter.Fetch(ctx, since, o.fetchLimit)
	if err != nil {
		if models.IsTransient(err) {
			log.Warn("transient fetch failure", slog.String("error", err.Error()))
			if mErr := o.states.MarkCheckTransient(ctx, src.ID); mErr != nil {
				log.Error("state update failed", slog.String("error", mErr.Error()))
			}
		} else {
			o.failSource(ctx, src.ID, err.Error(), sum)
		}
		return
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PublishedAt.Before(posts[j].PublishedAt)
	})

	sum.SourcesChecked++
	for _, post := range posts {
		result := o.pipe.Process(ctx, src, pub, post)
		switch result.Outcome {
		case pipeline.OutcomePublished:
			sum.Published++
		case pipeline.OutcomeSkipped:
			sum.Skipped++
		case pipeline.OutcomeFailed:
			sum.Failed++
		}
	}
}

func (o *Orchestrator) failSource(ctx context.Context, sourceID, msg string, sum *Summary) {
	o.logger.Error("source check failed",
		slog.String("source_id", sourceID),
		slog.String("error", msg))
	if err := o.states.MarkCheckError(ctx, sourceID, msg); err != nil {
		o.logger.Error("state update failed",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()))
	}
	sum.SourcesFailed++
}

func (o *Orchestrator) cleanup(ctx context.Context) {
	if n, err := o.editBuffer.Cleanup(ctx, models.EditBufferRetention); err != nil {
		o.logger.Warn("edit buffer cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Debug("edit buffer cleaned", slog.Int64("rows", n))
	}

	if o.activity == nil {
		return
	}
	if n, err := o.activity.DeleteOlderThan(ctx, activityRetention); err != nil {
		o.logger.Warn("activity log cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Debug("activity log cleaned", slog.Int64("rows", n))
	}
}
