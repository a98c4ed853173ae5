package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/pipeline"
	"github.com/tlambot/feedgate/internal/tier"
)

// TweetEngine reconstructs a Post from a queued webhook payload.
type TweetEngine interface {
	Process(ctx context.Context, p *tier.WebhookPayload, source *config.SourceConfig) (*models.Post, error)
}

// WebhookWorker executes queued tweet jobs: tier engine, then the same
// pipeline the pull path uses. Its Run method satisfies queue.RunJob.
type WebhookWorker struct {
	tree         *config.Tree
	engine       TweetEngine
	pipe         PostProcessor
	newPublisher PublisherFactory
	logger       *slog.Logger
}

// NewWebhookWorker wires the worker.
func NewWebhookWorker(tree *config.Tree, engine TweetEngine, pipe PostProcessor, newPublisher PublisherFactory, logger *slog.Logger) *WebhookWorker {
	return &WebhookWorker{
		tree:         tree,
		engine:       engine,
		pipe:         pipe,
		newPublisher: newPublisher,
		logger:       logger,
	}
}

// Run processes one normalised payload end to end. The returned error text
// feeds the queue's failure record, so permanent conditions keep their
// recognisable wording.
func (w *WebhookWorker) Run(ctx context.Context, source *config.SourceConfig, payload *tier.WebhookPayload) error {
	post, err := w.engine.Process(ctx, payload, source)
	if err != nil {
		return err
	}
	if post == nil || strings.TrimSpace(post.Text) == "" {
		return models.Errorf(models.ErrKindValidation, "tweet likely deleted: %s", payload.PostID)
	}

	acct, err := w.tree.AccountFor(source)
	if err != nil {
		return models.NewError(models.ErrKindConfig, err)
	}
	pub := w.newPublisher(acct, w.logger)

	result := w.pipe.Process(ctx, *source, pub, *post)
	if result.Outcome == pipeline.OutcomeFailed {
		return models.Errorf(models.ErrKindAdapter, "pipeline failed: %s", result.Reason)
	}

	w.logger.Info("webhook job finished",
		slog.String("source_id", source.ID),
		slog.String("post_id", post.ID),
		slog.String("outcome", string(result.Outcome)),
		slog.String("reason", result.Reason))
	return nil
}
