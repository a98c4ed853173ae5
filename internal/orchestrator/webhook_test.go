package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/pipeline"
	"github.com/tlambot/feedgate/internal/tier"
)

type fakeEngine struct {
	post *models.Post
	err  error
}

func (f *fakeEngine) Process(ctx context.Context, p *tier.WebhookPayload, source *config.SourceConfig) (*models.Post, error) {
	return f.post, f.err
}

func webhookTree() *config.Tree {
	return &config.Tree{
		Accounts: map[string]config.TargetAccount{"main": {AccessToken: "tok"}},
		Sources: []config.SourceConfig{
			{ID: "src-tw", Platform: "twitter", TargetAccount: "main"},
		},
	}
}

func newWorker(tree *config.Tree, engine *fakeEngine, pipe *fakePipe) *WebhookWorker {
	return NewWebhookWorker(tree, engine, pipe,
		func(acct config.TargetAccount, logger *slog.Logger) Publisher { return &fakeAccountClient{} },
		testLogger())
}

func TestWebhookWorkerPublishes(t *testing.T) {
	tree := webhookTree()
	pipe := &fakePipe{}
	engine := &fakeEngine{post: &models.Post{Platform: models.PlatformTwitter, ID: "42", Text: "obsah"}}
	w := newWorker(tree, engine, pipe)

	payload := &tier.WebhookPayload{Text: "obsah", Username: "foo", PostID: "42"}
	if err := w.Run(context.Background(), &tree.Sources[0], payload); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pipe.processed) != 1 || pipe.processed[0] != "src-tw/42" {
		t.Errorf("processed = %v", pipe.processed)
	}
}

func TestWebhookWorkerDeletedTweet(t *testing.T) {
	tree := webhookTree()
	engine := &fakeEngine{post: &models.Post{Platform: models.PlatformTwitter, ID: "42"}}
	w := newWorker(tree, engine, &fakePipe{})

	err := w.Run(context.Background(), &tree.Sources[0], &tier.WebhookPayload{PostID: "42"})
	if err == nil || !strings.Contains(err.Error(), "tweet likely deleted") {
		t.Errorf("error = %v", err)
	}
}

func TestWebhookWorkerPipelineFailure(t *testing.T) {
	tree := webhookTree()
	pipe := &fakePipe{outcome: pipeline.OutcomeFailed}
	engine := &fakeEngine{post: &models.Post{Platform: models.PlatformTwitter, ID: "42", Text: "x"}}
	w := newWorker(tree, engine, pipe)

	if err := w.Run(context.Background(), &tree.Sources[0], &tier.WebhookPayload{PostID: "42"}); err == nil {
		t.Error("pipeline failure not surfaced")
	}
}

func TestWebhookWorkerUnknownAccount(t *testing.T) {
	tree := webhookTree()
	tree.Sources[0].TargetAccount = "missing"
	engine := &fakeEngine{post: &models.Post{Platform: models.PlatformTwitter, ID: "42", Text: "x"}}
	w := newWorker(tree, engine, &fakePipe{})

	err := w.Run(context.Background(), &tree.Sources[0], &tier.WebhookPayload{PostID: "42"})
	if !models.IsKind(err, models.ErrKindConfig) {
		t.Errorf("error = %v", err)
	}
}
