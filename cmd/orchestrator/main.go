package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"log/slog"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/database"
	"github.com/tlambot/feedgate/internal/logging"
	"github.com/tlambot/feedgate/internal/models"
	"github.com/tlambot/feedgate/internal/orchestrator"
	"github.com/tlambot/feedgate/internal/pipeline"
	"github.com/tlambot/feedgate/internal/publisher"
)

// orchestrator runs one pull batch: poll the due RSS, Bluesky and YouTube
// sources and republish their new posts. It is triggered externally (cron
// or a systemd timer) and exits when the batch is done.
func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

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

	tree, err := config.LoadTree(cfg.ConfigDir)
	if err != nil {
		logger.Error("cannot load config tree", "dir", cfg.ConfigDir, "error", err)
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	dbCfg.Schema = cfg.Schema

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		fmt.Fprintln(os.Stderr, "database error:", err)
		return 4
	}
	defer db.Close()

	if err := database.RunMigrations(db, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		fmt.Fprintln(os.Stderr, "database error:", err)
		return 4
	}

	published := database.NewPublishedPostRepository(db)
	editBuffer := database.NewEditBufferRepository(db)
	states := database.NewSourceStateRepository(db)
	activity := database.NewActivityLogRepository(db)

	pipe := pipeline.New(published, editBuffer, states, activity, logger)
	orch := orchestrator.New(tree, states, editBuffer, activity, pipe, newPublisher, logger)

	interrupted := watchSignals(cancel, logger)

	sum, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run aborted", "error", err)
		fmt.Fprintln(os.Stderr, "run error:", err)
		if models.IsKind(err, models.ErrKindConfig) {
			return 2
		}
		return 4
	}

	select {
	case <-interrupted:
		return 130
	default:
	}
	if sum.SourcesFailed > 0 || sum.Failed > 0 {
		return 1
	}
	return 0
}

func newPublisher(acct config.TargetAccount, logger *slog.Logger) orchestrator.Publisher {
	return publisher.NewMastodonClient(acct.Instance, acct.AccessToken, logger)
}

// watchSignals finishes the current source on the first interrupt and
// exits immediately with 130 on the second.
func watchSignals(cancel context.CancelFunc, logger *slog.Logger) <-chan struct{} {
	interrupted := make(chan struct{})
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("interrupt received, finishing current source")
		close(interrupted)
		cancel()
		<-sigs
		logger.Warn("second interrupt, exiting immediately")
		os.Exit(130)
	}()
	return interrupted
}
