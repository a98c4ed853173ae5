package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/pipeline"
	"github.com/tlambot/feedgate/internal/tier"
)

const (
	// batchDelay lets near-simultaneous thread posts accumulate before the
	// batch runs, so replies can find their parent.
	batchDelay = 120 * time.Second
	// batchMaxAge bounds the lateness the delay can introduce: once the
	// oldest pending job passes it, everything runs.
	batchMaxAge = 1800 * time.Second
)

// ErrLocked is returned when another processor instance holds the queue
// lock.
var ErrLocked = errors.New("queue processor already running")

// RunJob executes one normalised payload against its source: tier engine,
// pipeline, publisher. Wired by the worker binary.
type RunJob func(ctx context.Context, source *config.SourceConfig, payload *tier.WebhookPayload) error

// Summary counts one processor run.
type Summary struct {
	Processed int
	Failed    int
	Deferred  int
}

// Processor drains the pending queue. High-priority sources run
// immediately; the rest accumulate into delayed batches ordered for thread
// reconstruction.
type Processor struct {
	queue    *Queue
	tree     *config.Tree
	run      RunJob
	lockPath string
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor over the queue and config tree.
func NewProcessor(q *Queue, tree *config.Tree, run RunJob, lockPath string, logger *slog.Logger) *Processor {
	return &Processor{
		queue:    q,
		tree:     tree,
		run:      run,
		lockPath: lockPath,
		logger:   logger,
		now:      time.Now,
	}
}

// job is a pending file bound to its resolved source.
type job struct {
	file   JobFile
	source *config.SourceConfig
}

// Run drains the queue once. Overlapping runs are prevented by an exclusive
// flock on the sentinel file; a held lock returns ErrLocked.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	unlock, err := p.acquireLock()
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	var sum Summary

	files, err := p.queue.Pending()
	if err != nil {
		return sum, err
	}

	var high, batch []job
	for _, jf := range files {
		if jf.DecodeErr != "" {
			// Keep the unparseable body intact for inspection.
			p.logger.Warn("invalid JSON in queue file",
				slog.String("file", jf.Name),
				slog.String("error", jf.DecodeErr))
			if err := p.queue.MarkFailedRaw(jf.Name); err != nil {
				return sum, err
			}
			sum.Failed++
			continue
		}
		j, reason := p.resolve(jf)
		if reason != "" {
			if err := p.queue.MarkFailed(jf.Name, jf.Job, reason); err != nil {
				return sum, err
			}
			sum.Failed++
			continue
		}
		if j.source.Priority == config.PriorityHigh {
			high = append(high, j)
		} else {
			batch = append(batch, j)
		}
	}

	for _, j := range high {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		p.process(ctx, j, &sum)
	}

	due := p.dueBatch(batch)
	sum.Deferred = len(batch) - len(due)
	sortForThreads(due)
	for _, j := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		p.process(ctx, j, &sum)
	}

	p.logger.Info("queue run finished",
		slog.Int("processed", sum.Processed),
		slog.Int("failed", sum.Failed),
		slog.Int("deferred", sum.Deferred))
	return sum, nil
}

// resolve binds a job file to its source config and returns a permanent
// failure reason when it cannot be processed at all.
func (p *Processor) resolve(jf JobFile) (job, string) {
	src := p.tree.SourceByUsername(jf.Job.Username, jf.Job.BotID)
	if src == nil {
		if jf.Job.BotID != "" {
			return job{}, fmt.Sprintf("unknown bot_id %q", jf.Job.BotID)
		}
		return job{}, fmt.Sprintf("no config found for username %q", jf.Job.Username)
	}

	payload := jf.Job.WebhookPayload
	payload.Normalize(src)
	jf.Job.WebhookPayload = payload
	return job{file: jf, source: src}, ""
}

func (p *Processor) process(ctx context.Context, j job, sum *Summary) {
	payload := j.file.Job.WebhookPayload
	err := p.run(ctx, j.source, &payload)
	if err != nil {
		p.logger.Warn("job failed",
			slog.String("file", j.file.Name),
			slog.String("source", j.source.ID),
			slog.String("error", err.Error()))
		if mErr := p.queue.MarkFailed(j.file.Name, j.file.Job, err.Error()); mErr != nil {
			p.logger.Error("cannot record failure", slog.String("error", mErr.Error()))
		}
		sum.Failed++
		return
	}

	if err := p.queue.MarkProcessed(j.file.Name); err != nil {
		p.logger.Error("cannot archive processed job",
			slog.String("file", j.file.Name),
			slog.String("error", err.Error()))
	}
	sum.Processed++
}

// dueBatch selects the normal and low priority jobs whose delay has run
// out. Once the oldest job exceeds the lateness bound the whole batch goes,
// oldest first.
func (p *Processor) dueBatch(batch []job) []job {
	if len(batch) == 0 {
		return nil
	}

	now := p.now().UTC()
	oldest := batch[0].file.EnqueuedAt
	for _, j := range batch[1:] {
		if j.file.EnqueuedAt.Before(oldest) {
			oldest = j.file.EnqueuedAt
		}
	}
	if now.Sub(oldest) >= batchMaxAge {
		return batch
	}

	var due []job
	for _, j := range batch {
		if now.Sub(j.file.EnqueuedAt) >= batchDelay {
			due = append(due, j)
		}
	}
	return due
}

// sortForThreads orders a batch so jobs from the same source and author run
// in ascending post-ID order, keeping reply chains resolvable.
func sortForThreads(jobs []job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if a.source.ID != b.source.ID {
			return a.source.ID < b.source.ID
		}
		if a.file.Job.Username != b.file.Job.Username {
			return a.file.Job.Username < b.file.Job.Username
		}
		return pipeline.PlatformIDLess(models.PlatformTwitter, a.file.Job.PostID, b.file.Job.PostID)
	})
}

// acquireLock takes the single-writer advisory lock.
func (p *Processor) acquireLock() (func(), error) {
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, models.NewError(models.ErrKindState, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, models.NewError(models.ErrKindState, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
