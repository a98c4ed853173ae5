package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"log/slog"

	"github.com/tlambot/feedgate/internal/adapters"
	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/database"
	"github.com/tlambot/feedgate/internal/logging"
	"github.com/tlambot/feedgate/internal/orchestrator"
	"github.com/tlambot/feedgate/internal/pipeline"
	"github.com/tlambot/feedgate/internal/publisher"
	"github.com/tlambot/feedgate/internal/queue"
	"github.com/tlambot/feedgate/internal/tier"
)

// queueworker drains the webhook queue once and sweeps failed jobs. It is
// triggered on a timer; overlapping runs are rejected via the queue lock.
func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	env := flag.String("env", "prod", "queue environment: prod or test")
	sweepOnly := flag.Bool("sweep-only", false, "run only the failed-job sweeper")
	flag.Parse()
	if *env != "prod" && *env != "test" {
		fmt.Fprintf(os.Stderr, "invalid -env %q\n", *env)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		return 2
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		return 2
	}
	logger = logger.With("env", *env)

	queueDir := cfg.QueueDirFor(*env)
	q, err := queue.New(queueDir, logger)
	if err != nil {
		logger.Error("cannot open queue", "dir", queueDir, "error", err)
		return 4
	}

	if *sweepOnly {
		sum, err := queue.NewSweeper(q, logger).Sweep()
		if err != nil {
			logger.Error("sweep failed", "error", err)
			return 4
		}
		logger.Info("sweep finished", "requeued", sum.Requeued, "killed", sum.Killed)
		return 0
	}

	tree, err := config.LoadTree(cfg.ConfigDir)
	if err != nil {
		logger.Error("cannot load config tree", "dir", cfg.ConfigDir, "error", err)
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel, logger)

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	dbCfg.Schema = cfg.Schema
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		fmt.Fprintln(os.Stderr, "database error:", err)
		return 4
	}
	defer db.Close()

	published := database.NewPublishedPostRepository(db)
	editBuffer := database.NewEditBufferRepository(db)
	states := database.NewSourceStateRepository(db)
	activity := database.NewActivityLogRepository(db)

	pipe := pipeline.New(published, editBuffer, states, activity, logger)
	engine := tier.NewEngine(
		adapters.NewNitterClient(cfg.NitterInstance, logger),
		tier.NewSyndicationClient(logger),
		logger,
	)
	worker := orchestrator.NewWebhookWorker(tree, engine, pipe, newPublisher, logger)

	lockPath := filepath.Join(queueDir, ".processor.lock")
	proc := queue.NewProcessor(q, tree, worker.Run, lockPath, logger)

	sum, err := proc.Run(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			logger.Warn("another queue processor is running")
			return 3
		}
		if errors.Is(err, context.Canceled) {
			return 130
		}
		logger.Error("queue run failed", "error", err)
		fmt.Fprintln(os.Stderr, "queue error:", err)
		return 4
	}

	if _, err := queue.NewSweeper(q, logger).Sweep(); err != nil {
		logger.Error("sweep failed", "error", err)
		return 1
	}

	if sum.Failed > 0 {
		return 1
	}
	return 0
}

func newPublisher(acct config.TargetAccount, logger *slog.Logger) orchestrator.Publisher {
	return publisher.NewMastodonClient(acct.Instance, acct.AccessToken, logger)
}

// watchSignals stops between jobs on the first interrupt and exits
// immediately with 130 on the second.
func watchSignals(cancel context.CancelFunc, logger *slog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("interrupt received, finishing current job")
		cancel()
		<-sigs
		logger.Warn("second interrupt, exiting immediately")
		os.Exit(130)
	}()
}
