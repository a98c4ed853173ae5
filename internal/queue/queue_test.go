package queue

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tlambot/feedgate/internal/tier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func fixedTime(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testJob(username, postID string) Job {
	return Job{WebhookPayload: tier.WebhookPayload{
		Text:     "obsah",
		Username: username,
		PostID:   postID,
	}}
}

func TestFilenameFormat(t *testing.T) {
	q := newTestQueue(t)
	q.now = fixedTime(time.Date(2026, 8, 24, 12, 1, 2, 3e6, time.UTC))

	got := q.Filename("foo", "42")
	if got != "20260824120102003_foo_42.json" {
		t.Errorf("Filename = %q", got)
	}

	got = q.Filename("we/ird name", "")
	if got != "20260824120102003_we_ird_name_unknown.json" {
		t.Errorf("sanitized Filename = %q", got)
	}
}

func TestEnqueueAndPending(t *testing.T) {
	q := newTestQueue(t)

	q.now = fixedTime(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	if _, err := q.Enqueue(testJob("foo", "100")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.now = fixedTime(time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC))
	if _, err := q.Enqueue(testJob("foo", "101")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("pending count = %d", len(jobs))
	}
	if jobs[0].Job.PostID != "100" || jobs[1].Job.PostID != "101" {
		t.Errorf("order = %q %q", jobs[0].Job.PostID, jobs[1].Job.PostID)
	}
	if jobs[0].Job.Text != "obsah" {
		t.Errorf("payload lost: %+v", jobs[0].Job)
	}
	if !jobs[0].EnqueuedAt.Equal(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("EnqueuedAt = %v", jobs[0].EnqueuedAt)
	}
}

func TestPendingFlagsInvalidJSON(t *testing.T) {
	q := newTestQueue(t)
	path := filepath.Join(q.root, dirPending, "20260824120000000_foo_1.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DecodeErr == "" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestLifecycle(t *testing.T) {
	q := newTestQueue(t)
	name, err := q.Enqueue(testJob("foo", "42"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.MarkFailed(name, testJob("foo", "42"), "network timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(q.root, dirPending, name)); !os.IsNotExist(err) {
		t.Error("pending file survived MarkFailed")
	}

	failed, err := q.Failed()
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed count = %d", len(failed))
	}
	f := failed[0].Job.Failure
	if f == nil || f.Reason != "network timeout" || f.RetryCount != 0 || f.FailedAt.IsZero() {
		t.Errorf("failure = %+v", f)
	}

	if err := q.Requeue(name, failed[0].Job); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	pending, _ := q.Pending()
	if len(pending) != 1 || pending[0].Job.Failure.RetryCount != 1 {
		t.Errorf("requeued = %+v", pending)
	}

	if err := q.MarkFailed(name, pending[0].Job, "network timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	failed, _ = q.Failed()
	if failed[0].Job.Failure.RetryCount != 1 {
		t.Errorf("retry count lost on second failure: %+v", failed[0].Job.Failure)
	}

	if err := q.Kill(name, failed[0].Job, "max_retries_exceeded"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	failed, _ = q.Failed()
	if len(failed) != 0 {
		t.Errorf("dead job still swept: %+v", failed)
	}

	raw, err := os.ReadFile(filepath.Join(q.root, dirFailed, DeadPrefix+name))
	if err != nil {
		t.Fatalf("dead file missing: %v", err)
	}
	var dead Job
	if err := json.Unmarshal(raw, &dead); err != nil {
		t.Fatalf("dead file unreadable: %v", err)
	}
	if dead.Failure.DeadReason != "max_retries_exceeded" || dead.Failure.DeadAt == nil {
		t.Errorf("dead metadata = %+v", dead.Failure)
	}
}

func TestMarkProcessed(t *testing.T) {
	q := newTestQueue(t)
	name, _ := q.Enqueue(testJob("foo", "42"))

	if err := q.MarkProcessed(name); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(q.root, dirProcessed, name)); err != nil {
		t.Errorf("processed file missing: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[dirPending] != 0 || stats[dirProcessed] != 1 || stats[dirFailed] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestStatsCountsDeadSeparately(t *testing.T) {
	q := newTestQueue(t)
	name, _ := q.Enqueue(testJob("foo", "1"))
	q.MarkFailed(name, testJob("foo", "1"), "x")
	q.Kill(name, testJob("foo", "1"), "permanent_error")

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[dirFailed] != 0 || stats["dead"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
