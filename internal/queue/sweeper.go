package queue

import (
	"log/slog"
	"strings"
	"time"
)

const (
	// maxRetries is how many times a failed job goes back to pending.
	maxRetries = 1
	// deadAge is the failure age past which a retry cannot help anymore.
	deadAge = 6 * time.Hour
)

// permanentPatterns identify failures a retry can never fix.
var permanentPatterns = []string{
	"invalid JSON",
	"tweet likely deleted",
	"no config found",
	"unknown bot_id",
	"text cannot be empty",
}

// Sweeper periodically revives retryable failed jobs and kills the rest.
type Sweeper struct {
	queue  *Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper over the queue.
func NewSweeper(q *Queue, logger *slog.Logger) *Sweeper {
	return &Sweeper{queue: q, logger: logger, now: time.Now}
}

// SweepSummary counts one sweep.
type SweepSummary struct {
	Requeued int
	Killed   int
}

// Sweep walks failed/ once. Jobs with a permanent failure reason, too many
// retries, or a stale failure timestamp are renamed DEAD_*; the rest go
// back to pending/ with an incremented retry count.
func (s *Sweeper) Sweep() (SweepSummary, error) {
	var sum SweepSummary

	files, err := s.queue.Failed()
	if err != nil {
		return sum, err
	}

	for _, jf := range files {
		reason := ""
		failedAt := time.Time{}
		retries := 0
		if jf.Job.Failure != nil {
			reason = jf.Job.Failure.Reason
			failedAt = jf.Job.Failure.FailedAt
			retries = jf.Job.Failure.RetryCount
		}

		switch {
		case jf.DecodeErr != "":
			// Rename only; the unparseable body stays as written.
			if err := s.queue.KillRaw(jf.Name, "permanent_error"); err != nil {
				return sum, err
			}
			sum.Killed++
		case isPermanent(reason):
			if err := s.queue.Kill(jf.Name, jf.Job, "permanent_error"); err != nil {
				return sum, err
			}
			sum.Killed++
		case !failedAt.IsZero() && s.now().Sub(failedAt) > deadAge:
			if err := s.queue.Kill(jf.Name, jf.Job, "too_old"); err != nil {
				return sum, err
			}
			sum.Killed++
		case retries >= maxRetries:
			if err := s.queue.Kill(jf.Name, jf.Job, "max_retries_exceeded"); err != nil {
				return sum, err
			}
			sum.Killed++
		default:
			if err := s.queue.Requeue(jf.Name, jf.Job); err != nil {
				return sum, err
			}
			s.logger.Info("job requeued",
				slog.String("file", jf.Name),
				slog.String("reason", reason))
			sum.Requeued++
		}
	}
	return sum, nil
}

func isPermanent(reason string) bool {
	for _, p := range permanentPatterns {
		if strings.Contains(reason, p) {
			return true
		}
	}
	return false
}
