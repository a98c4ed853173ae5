package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func failJob(t *testing.T, q *Queue, username, postID, reason string) string {
	t.Helper()
	name, err := q.Enqueue(testJob(username, postID))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkFailed(name, testJob(username, postID), reason); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	return name
}

func TestSweepKillsPermanentFailures(t *testing.T) {
	q := newTestQueue(t)
	name := failJob(t, q, "foo", "1", "tweet likely deleted")

	s := NewSweeper(q, testLogger())
	sum, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.Killed != 1 || sum.Requeued != 0 {
		t.Errorf("summary = %+v", sum)
	}

	if _, err := os.Stat(filepath.Join(q.root, dirFailed, DeadPrefix+name)); err != nil {
		t.Errorf("dead file missing: %v", err)
	}
	if pending, _ := q.Pending(); len(pending) != 0 {
		t.Errorf("dead job requeued: %+v", pending)
	}

	// A second sweep never touches the dead job again.
	sum, err = s.Sweep()
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if sum.Killed != 0 || sum.Requeued != 0 {
		t.Errorf("second sweep summary = %+v", sum)
	}
}

func TestSweepRequeuesTransientOnce(t *testing.T) {
	q := newTestQueue(t)
	name := failJob(t, q, "foo", "1", "network timeout")

	s := NewSweeper(q, testLogger())
	sum, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.Requeued != 1 {
		t.Errorf("summary = %+v", sum)
	}

	pending, _ := q.Pending()
	if len(pending) != 1 || pending[0].Job.Failure.RetryCount != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	// The retried job fails again; the next sweep gives it up.
	if err := q.MarkFailed(name, pending[0].Job, "network timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	sum, err = s.Sweep()
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if sum.Killed != 1 || sum.Requeued != 0 {
		t.Errorf("second sweep summary = %+v", sum)
	}

	failed, _ := q.Failed()
	if len(failed) != 0 {
		t.Errorf("failed = %+v", failed)
	}
}

func TestSweepPreservesUnparseableBody(t *testing.T) {
	q := newTestQueue(t)
	raw := []byte("{broken json the operator wants to see")
	name := "20260824115900000_foo_9.json"
	if err := os.WriteFile(filepath.Join(q.root, dirFailed, name), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(q, testLogger())
	sum, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.Killed != 1 || sum.Requeued != 0 {
		t.Errorf("summary = %+v", sum)
	}

	got, err := os.ReadFile(filepath.Join(q.root, dirFailed, DeadPrefix+name))
	if err != nil {
		t.Fatalf("dead file missing: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("dead body = %q, want %q", got, raw)
	}
}

func TestSweepKillsStaleFailures(t *testing.T) {
	q := newTestQueue(t)
	failJob(t, q, "foo", "1", "network timeout")

	s := NewSweeper(q, testLogger())
	s.now = func() time.Time { return time.Now().Add(7 * time.Hour) }

	sum, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.Killed != 1 {
		t.Errorf("summary = %+v", sum)
	}

	failed, _ := q.Failed()
	if len(failed) != 0 {
		t.Errorf("stale job still retryable: %+v", failed)
	}
}
