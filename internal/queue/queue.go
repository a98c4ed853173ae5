package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/tier"
)

const (
	dirPending   = "pending"
	dirProcessed = "processed"
	dirFailed    = "failed"

	// DeadPrefix marks failed jobs the sweeper will never requeue.
	DeadPrefix = "DEAD_"

	filenameStamp = "20060102150405"
)

// Failure is the `_failure` sub-object stamped onto a job when processing
// fails.
type Failure struct {
	Reason      string     `json:"reason"`
	FailedAt    time.Time  `json:"failed_at"`
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	DeadReason  string     `json:"dead_reason,omitempty"`
	DeadAt      *time.Time `json:"dead_at,omitempty"`
}

// Job is one queued webhook payload.
type Job struct {
	tier.WebhookPayload
	Failure *Failure `json:"_failure,omitempty"`
}

// JobFile pairs a decoded job with its queue filename. DecodeErr is set
// when the file held unparseable JSON; such jobs carry no payload.
type JobFile struct {
	Name       string
	Job        Job
	EnqueuedAt time.Time
	DecodeErr  string
}

// Queue is a filesystem job queue with a three-state lifecycle:
// pending -> processed on success, pending -> failed on error, and
// failed -> failed/DEAD_* when the sweeper gives a job up. Moves use
// rename, which is atomic within one filesystem.
type Queue struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// New opens (and creates if needed) a queue rooted at dir.
func New(root string, logger *slog.Logger) (*Queue, error) {
	for _, sub := range []string{dirPending, dirProcessed, dirFailed} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, models.NewError(models.ErrKindState, err)
		}
	}
	return &Queue{root: root, logger: logger, now: time.Now}, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

func sanitizeFilePart(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// Filename builds the canonical queue filename for a username/ID pair. The
// millisecond timestamp prefix makes lexicographic order chronological.
func (q *Queue) Filename(username, postID string) string {
	t := q.now().UTC()
	return fmt.Sprintf("%s%03d_%s_%s.json",
		t.Format(filenameStamp),
		t.Nanosecond()/int(time.Millisecond),
		sanitizeFilePart(username),
		sanitizeFilePart(postID))
}

// Enqueue writes a job into pending/ and returns the queue filename.
func (q *Queue) Enqueue(job Job) (string, error) {
	name := q.Filename(job.Username, job.PostID)
	if err := q.writeJob(filepath.Join(q.root, dirPending, name), job); err != nil {
		return "", err
	}
	q.logger.Info("job queued",
		slog.String("file", name),
		slog.String("username", job.Username),
		slog.String("post_id", job.PostID))
	return name, nil
}

// EnqueueRaw preserves an opaque payload verbatim under the given filename.
func (q *Queue) EnqueueRaw(name string, body []byte) error {
	path := filepath.Join(q.root, dirPending, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// Pending returns the decoded pending jobs sorted by filename, which is
// enqueue order.
func (q *Queue) Pending() ([]JobFile, error) {
	return q.list(dirPending, false)
}

// Failed returns the failed jobs that are still eligible for a retry sweep.
// Dead jobs are excluded.
func (q *Queue) Failed() ([]JobFile, error) {
	return q.list(dirFailed, true)
}

func (q *Queue) list(sub string, skipDead bool) ([]JobFile, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, sub))
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}

	var out []JobFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if skipDead && strings.HasPrefix(name, DeadPrefix) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(q.root, sub, name))
		if err != nil {
			return nil, models.NewError(models.ErrKindState, err)
		}

		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			q.logger.Warn("unreadable queue file",
				slog.String("file", name),
				slog.String("error", err.Error()))
			out = append(out, JobFile{
				Name:       name,
				EnqueuedAt: enqueuedAt(name),
				DecodeErr:  err.Error(),
			})
			continue
		}
		out = append(out, JobFile{Name: name, Job: job, EnqueuedAt: enqueuedAt(name)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// enqueuedAt recovers the enqueue time from the filename's timestamp
// prefix. Unparseable names get the zero time, which sorts them as maximally
// stale.
func enqueuedAt(name string) time.Time {
	if len(name) < len(filenameStamp) {
		return time.Time{}
	}
	t, err := time.ParseInLocation(filenameStamp, name[:len(filenameStamp)], time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarkProcessed moves a pending job into processed/.
func (q *Queue) MarkProcessed(name string) error {
	src := filepath.Join(q.root, dirPending, name)
	dst := filepath.Join(q.root, dirProcessed, name)
	if err := os.Rename(src, dst); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// MarkFailed moves a pending job into failed/, stamping the failure reason.
// The retry count of a requeued job survives the round trip.
func (q *Queue) MarkFailed(name string, job Job, reason string) error {
	retries := 0
	var lastRetry *time.Time
	if job.Failure != nil {
		retries = job.Failure.RetryCount
		lastRetry = job.Failure.LastRetryAt
	}
	job.Failure = &Failure{
		Reason:      reason,
		FailedAt:    q.now().UTC(),
		RetryCount:  retries,
		LastRetryAt: lastRetry,
	}

	if err := q.writeJob(filepath.Join(q.root, dirFailed, name), job); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(q.root, dirPending, name)); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// MarkFailedRaw moves a pending file into failed/ without rewriting its
// body. Used for unparseable files, where re-encoding the zero-value job
// would destroy the bytes an operator needs to inspect.
func (q *Queue) MarkFailedRaw(name string) error {
	src := filepath.Join(q.root, dirPending, name)
	dst := filepath.Join(q.root, dirFailed, name)
	if err := os.Rename(src, dst); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// Requeue moves a failed job back to pending/ with an incremented retry
// count.
func (q *Queue) Requeue(name string, job Job) error {
	if job.Failure == nil {
		job.Failure = &Failure{}
	}
	job.Failure.RetryCount++
	now := q.now().UTC()
	job.Failure.LastRetryAt = &now

	if err := q.writeJob(filepath.Join(q.root, dirPending, name), job); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(q.root, dirFailed, name)); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// Kill renames a failed job to DEAD_<name> and stamps the dead reason. Dead
// jobs stay in failed/ for operator inspection but are never swept again.
func (q *Queue) Kill(name string, job Job, deadReason string) error {
	if job.Failure == nil {
		job.Failure = &Failure{}
	}
	job.Failure.DeadReason = deadReason
	now := q.now().UTC()
	job.Failure.DeadAt = &now

	if err := q.writeJob(filepath.Join(q.root, dirFailed, DeadPrefix+name), job); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(q.root, dirFailed, name)); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	q.logger.Warn("job killed",
		slog.String("file", name),
		slog.String("dead_reason", deadReason))
	return nil
}

// KillRaw renames a failed file to DEAD_<name> with its body untouched.
func (q *Queue) KillRaw(name string, deadReason string) error {
	src := filepath.Join(q.root, dirFailed, name)
	dst := filepath.Join(q.root, dirFailed, DeadPrefix+name)
	if err := os.Rename(src, dst); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	q.logger.Warn("job killed",
		slog.String("file", name),
		slog.String("dead_reason", deadReason))
	return nil
}

func (q *Queue) writeJob(path string, job Job) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return models.NewError(models.ErrKindState, err)
	}
	return nil
}

// Stats counts the files per lifecycle directory. Dead jobs are reported
// separately from retryable failures.
func (q *Queue) Stats() (map[string]int, error) {
	out := map[string]int{}
	for _, sub := range []string{dirPending, dirProcessed, dirFailed} {
		entries, err := os.ReadDir(filepath.Join(q.root, sub))
		if err != nil {
			return nil, models.NewError(models.ErrKindState, err)
		}
		n := 0
		dead := 0
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if sub == dirFailed && strings.HasPrefix(e.Name(), DeadPrefix) {
				dead++
				continue
			}
			n++
		}
		out[sub] = n
		if sub == dirFailed {
			out["dead"] = dead
		}
	}
	return out, nil
}
