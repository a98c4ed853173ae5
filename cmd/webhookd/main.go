package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"log/slog"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/logging"
	"github.com/tlambot/feedgate/internal/metrics"
	"github.com/tlambot/feedgate/internal/queue"
	"github.com/tlambot/feedgate/internal/server"
)

// webhookd is the ingress process: it accepts IFTTT tweet triggers and
// microblog broadcast webhooks and files them into the queue. Processing
// happens in queueworker.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(2)
	}

	prod, err := queue.New(cfg.QueueDir, logger)
	if err != nil {
		logger.Error("cannot open prod queue", "dir", cfg.QueueDir, "error", err)
		os.Exit(4)
	}
	test, err := queue.New(cfg.QueueDirTest, logger)
	if err != nil {
		logger.Error("cannot open test queue", "dir", cfg.QueueDirTest, "error", err)
		os.Exit(4)
	}
	broadcast, err := queue.New(cfg.BroadcastQueueDir, logger)
	if err != nil {
		logger.Error("cannot open broadcast queue", "dir", cfg.BroadcastQueueDir, "error", err)
		os.Exit(4)
	}

	if cfg.WebhookSecret == "" {
		logger.Warn("TLAMBOT_WEBHOOK_SECRET not set, broadcast signature checks disabled")
	}

	api := queue.NewAPI(prod, test, broadcast, cfg.WebhookSecret, cfg.MonitorToken, logger)

	collector, err := metrics.NewHTTPCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(4)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/", api.Handler())

	srv := server.New(cfg.Server(), logger, collector.InstrumentHandler(mux))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Error("webhookd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("webhookd stopped")
}
