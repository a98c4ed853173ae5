// Package logging builds the process-wide slog.Logger. All three binaries
// share it so queue files and database rows can be correlated across logs.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tlambot/feedgate/internal/config"
)

// New returns a logger writing to stdout in the configured format: "json"
// for deployments, "text" for local runs.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
