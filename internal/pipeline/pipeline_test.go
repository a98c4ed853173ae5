package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/publisher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakePublished struct {
	rows map[string]models.PublishedPost
}

func newFakePublished() *fakePublished {
	return &fakePublished{rows: make(map[string]models.PublishedPost)}
}

func (f *fakePublished) key(sourceID, postID string) string { return sourceID + "|" + postID }

func (f *fakePublished) IsPublished(ctx context.Context, sourceID, postID string) (bool, error) {
	_, ok := f.rows[f.key(sourceID, postID)]
	return ok, nil
}

func (f *fakePublished) MarkPublished(ctx context.Context, row models.PublishedPost) error {
	k := f.key(row.SourceID, row.PostID)
	if _, exists := f.rows[k]; !exists {
		f.rows[k] = row
	}
	return nil
}

func (f *fakePublished) FindByPlatformURI(ctx context.Context, sourceID, uri string) (*models.PublishedPost, error) {
	for _, row := range f.rows {
		if row.SourceID == sourceID && row.PlatformURI == uri {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakePublished) FindByPostID(ctx context.Context, sourceID, postID string) (*models.PublishedPost, error) {
	if row, ok := f.rows[f.key(sourceID, postID)]; ok {
		return &row, nil
	}
	return nil, nil
}

type fakeEditBuffer struct {
	entries map[string]models.EditBufferEntry
}

func newFakeEditBuffer() *fakeEditBuffer {
	return &fakeEditBuffer{entries: make(map[string]models.EditBufferEntry)}
}

func (f *fakeEditBuffer) Add(ctx context.Context, entry models.EditBufferEntry) error {
	f.entries[entry.Username+"|"+entry.TextHash] = entry
	return nil
}

func (f *fakeEditBuffer) FindByTextHash(ctx context.Context, username, hash string) (*models.EditBufferEntry, error) {
	if entry, ok := f.entries[username+"|"+hash]; ok {
		return &entry, nil
	}
	return nil, nil
}

type fakeSourceState struct {
	successes, errors, transients int
	lastError                     string
}

func (f *fakeSourceState) MarkCheckSuccess(ctx context.Context, sourceID string, n int) error {
	f.successes += n
	return nil
}

func (f *fakeSourceState) MarkCheckError(ctx context.Context, sourceID, msg string) error {
	f.errors++
	f.lastError = msg
	return nil
}

func (f *fakeSourceState) MarkCheckTransient(ctx context.Context, sourceID string) error {
	f.transients++
	return nil
}

type fakeActivity struct {
	entries []models.ActivityLog
}

func (f *fakeActivity) Log(ctx context.Context, entry models.ActivityLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

type publishCall struct {
	req publisher.PublishRequest
}

type fakePublisher struct {
	publishes  []publishCall
	updates    []string
	deletes    []string
	uploads    []string
	nextID     int
	publishErr error
	updateErr  error
	uploadErr  error
}

func (f *fakePublisher) Publish(ctx context.Context, req publisher.PublishRequest) (*publisher.Status, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.publishes = append(f.publishes, publishCall{req: req})
	f.nextID++
	id := fmt.Sprintf("st-%d", f.nextID)
	return &publisher.Status{ID: id, URL: "https://inst/@a/" + id, URI: "https://inst/users/a/statuses/" + id}, nil
}

func (f *fakePublisher) UpdateStatus(ctx context.Context, statusID, text string) (*publisher.Status, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, statusID)
	return &publisher.Status{ID: statusID}, nil
}

func (f *fakePublisher) DeleteStatus(ctx context.Context, statusID string) error {
	f.deletes = append(f.deletes, statusID)
	return nil
}

func (f *fakePublisher) UploadMedia(ctx context.Context, m models.Media) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, m.URL)
	return fmt.Sprintf("media-%d", len(f.uploads)), nil
}

type pipelineFixture struct {
	pipeline  *Pipeline
	published *fakePublished
	edits     *fakeEditBuffer
	state     *fakeSourceState
	activity  *fakeActivity
	pub       *fakePublisher
	source    config.SourceConfig
}

func newFixture() *pipelineFixture {
	published := newFakePublished()
	edits := newFakeEditBuffer()
	state := &fakeSourceState{}
	activity := &fakeActivity{}
	return &pipelineFixture{
		pipeline:  New(published, edits, state, activity, testLogger()),
		published: published,
		edits:     edits,
		state:     state,
		activity:  activity,
		pub:       &fakePublisher{},
		source:    config.SourceConfig{ID: "src-1", Platform: "twitter"},
	}
}

func twitterPost(id, text string) models.Post {
	return models.Post{
		Platform: models.PlatformTwitter,
		ID:       id,
		URL:      "https://twitter.com/foo/status/" + id,
		Text:     text,
		Author:   models.Author{Username: "foo"},
	}
}

func TestProcessHappyPath(t *testing.T) {
	fx := newFixture()

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("42", "Dobrý den světe"))
	if res.Outcome != OutcomePublished {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Reason)
	}
	if len(fx.pub.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fx.pub.publishes))
	}
	want := "Dobrý den světe\nhttps://twitter.com/foo/status/42"
	if got := fx.pub.publishes[0].req.Text; got != want {
		t.Errorf("published text = %q, want %q", got, want)
	}
	if ok, _ := fx.published.IsPublished(context.Background(), "src-1", "42"); !ok {
		t.Error("dedupe row missing after publish")
	}
	if fx.state.successes != 1 {
		t.Errorf("successes = %d", fx.state.successes)
	}
	if len(fx.edits.entries) != 1 {
		t.Errorf("edit buffer entries = %d", len(fx.edits.entries))
	}
}

func TestProcessDuplicateSkipped(t *testing.T) {
	fx := newFixture()
	fx.published.MarkPublished(context.Background(), models.PublishedPost{SourceID: "src-1", PostID: "42"})

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("42", "again"))
	if res.Outcome != OutcomeSkipped || res.Reason != "duplicate" {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.pub.publishes) != 0 {
		t.Error("duplicate must not publish")
	}
}

func TestProcessIdempotentAcrossRuns(t *testing.T) {
	fx := newFixture()
	post := twitterPost("42", "once only")

	first := fx.pipeline.Process(context.Background(), fx.source, fx.pub, post)
	second := fx.pipeline.Process(context.Background(), fx.source, fx.pub, post)
	if first.Outcome != OutcomePublished || second.Outcome != OutcomeSkipped {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	if len(fx.pub.publishes) != 1 {
		t.Errorf("expected exactly 1 publish, got %d", len(fx.pub.publishes))
	}
}

func TestProcessOlderVersionSkipped(t *testing.T) {
	fx := newFixture()
	text := "shared wording between versions"
	normalized := NormalizeText(text)
	fx.edits.Add(context.Background(), models.EditBufferEntry{
		SourceID: "src-1", PostID: "100", Username: "foo",
		TextNormalized: normalized, TextHash: TextHash(normalized), TargetStatusID: "st-old",
	})

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("99", text))
	if res.Outcome != OutcomeSkipped || res.Reason != "older_version" {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessTextOnlyEditUpdatesInPlace(t *testing.T) {
	fx := newFixture()
	text := "same words, minor edit"
	normalized := NormalizeText(text)
	fx.edits.Add(context.Background(), models.EditBufferEntry{
		SourceID: "src-1", PostID: "100", Username: "foo",
		TextNormalized: normalized, TextHash: TextHash(normalized), TargetStatusID: "st-1",
	})

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("101", text))
	if res.Outcome != OutcomePublished || !res.Updated {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.pub.updates) != 1 || fx.pub.updates[0] != "st-1" {
		t.Errorf("updates = %v", fx.pub.updates)
	}
	if len(fx.pub.publishes) != 0 {
		t.Error("text-only edit must not publish a new status")
	}
}

func TestProcessEditWithMediaDeletesAndRepublishes(t *testing.T) {
	fx := newFixture()
	text := "same words, now with a picture"
	normalized := NormalizeText(text)
	fx.edits.Add(context.Background(), models.EditBufferEntry{
		SourceID: "src-1", PostID: "100", Username: "foo",
		TextNormalized: normalized, TextHash: TextHash(normalized), TargetStatusID: "st-original",
	})

	post := twitterPost("101", text)
	post.Media = []models.Media{{Type: models.MediaImage, URL: "https://pic/img.jpg"}}

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, post)
	if res.Outcome != OutcomePublished || res.Updated {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.pub.deletes) != 1 || fx.pub.deletes[0] != "st-original" {
		t.Errorf("deletes = %v", fx.pub.deletes)
	}
	if len(fx.pub.publishes) != 1 || len(fx.pub.publishes[0].req.MediaIDs) != 1 {
		t.Errorf("publishes = %+v", fx.pub.publishes)
	}
	// The edit buffer must now point at the republished status.
	entry, _ := fx.edits.FindByTextHash(context.Background(), "foo", TextHash(normalized))
	if entry == nil || entry.TargetStatusID == "st-original" {
		t.Errorf("edit buffer not rewritten: %+v", entry)
	}
}

func TestProcessEditUpdateDegradesToRepublish(t *testing.T) {
	fx := newFixture()
	text := "edit of a vanished status"
	normalized := NormalizeText(text)
	fx.edits.Add(context.Background(), models.EditBufferEntry{
		SourceID: "src-1", PostID: "100", Username: "foo",
		TextNormalized: normalized, TextHash: TextHash(normalized), TargetStatusID: "st-gone",
	})
	fx.pub.updateErr = models.Errorf(models.ErrKindNotFound, "404: record not found")

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("101", text))
	if res.Outcome != OutcomePublished || res.Updated {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.pub.publishes) != 1 {
		t.Errorf("expected fallback publish, got %d", len(fx.pub.publishes))
	}
}

func TestProcessFilterSkips(t *testing.T) {
	fx := newFixture()
	fx.source.Filtering = config.FilteringConfig{
		SkipRetweets: true,
		Banned:       []config.FilterRule{{Type: "literal", Pattern: "sponzorováno"}},
	}

	retweet := twitterPost("50", "anything")
	retweet.IsRepost = true
	if res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, retweet); res.Reason != "retweet" {
		t.Errorf("retweet result = %+v", res)
	}

	banned := twitterPost("51", "Tento příspěvek je SPONZOROVÁNO partnerem")
	if res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, banned); res.Reason != "banned_content" {
		t.Errorf("banned result = %+v", res)
	}
}

func TestProcessMediaValidationDegrades(t *testing.T) {
	fx := newFixture()
	fx.pub.uploadErr = models.Errorf(models.ErrKindValidation, "media too large")

	post := twitterPost("60", "text with oversize media")
	post.Media = []models.Media{{Type: models.MediaImage, URL: "https://pic/huge.jpg"}}

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, post)
	if res.Outcome != OutcomePublished {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.pub.publishes) != 1 || len(fx.pub.publishes[0].req.MediaIDs) != 0 {
		t.Errorf("publish should proceed without media: %+v", fx.pub.publishes)
	}
}

func TestProcessPublishFailureCountsError(t *testing.T) {
	fx := newFixture()
	fx.pub.publishErr = models.Errorf(models.ErrKindValidation, "422: text cannot be empty")

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("70", "doomed"))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v", res)
	}
	if fx.state.errors != 1 {
		t.Errorf("errors = %d", fx.state.errors)
	}
	if ok, _ := fx.published.IsPublished(context.Background(), "src-1", "70"); ok {
		t.Error("failed post must not enter the dedupe index")
	}
}

func TestProcessTransientFailureSparesErrorBudget(t *testing.T) {
	fx := newFixture()
	fx.pub.publishErr = models.Errorf(models.ErrKindTransient, "upstream maintenance")

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("71", "later"))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v", res)
	}
	if fx.state.errors != 0 || fx.state.transients != 1 {
		t.Errorf("errors = %d, transients = %d", fx.state.errors, fx.state.transients)
	}
}

func TestProcessThreadChainsWithinRun(t *testing.T) {
	fx := newFixture()

	first := fx.pipeline.Process(context.Background(), fx.source, fx.pub, twitterPost("80", "thread start"))
	if first.Outcome != OutcomePublished {
		t.Fatalf("first = %+v", first)
	}

	second := twitterPost("81", "thread continuation")
	second.IsThreadPost = true
	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, second)
	if res.Outcome != OutcomePublished {
		t.Fatalf("second = %+v", res)
	}
	if got := fx.pub.publishes[1].req.InReplyTo; got != first.StatusID {
		t.Errorf("in_reply_to = %q, want %q", got, first.StatusID)
	}
}

func TestProcessBlueskyThreadParentFromStore(t *testing.T) {
	fx := newFixture()
	fx.source.Platform = "bluesky"
	fx.published.MarkPublished(context.Background(), models.PublishedPost{
		SourceID:       "src-1",
		PostID:         "3kaaa",
		TargetStatusID: "st-parent",
		PlatformURI:    "at://did:plc:self/app.bsky.feed.post/3kaaa",
	})

	post := models.Post{
		Platform:     models.PlatformBluesky,
		ID:           "3kbbb",
		URL:          "https://bsky.app/profile/alice/post/3kbbb",
		Text:         "part two",
		Author:       models.Author{Username: "alice"},
		IsThreadPost: true,
		ReplyTo:      "at://did:plc:self/app.bsky.feed.post/3kaaa",
	}

	res := fx.pipeline.Process(context.Background(), fx.source, fx.pub, post)
	if res.Outcome != OutcomePublished {
		t.Fatalf("result = %+v", res)
	}
	if got := fx.pub.publishes[0].req.InReplyTo; got != "st-parent" {
		t.Errorf("in_reply_to = %q", got)
	}
}
