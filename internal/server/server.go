// Package server wraps http.Server with the timeouts and shutdown sequence
// the ingress process uses.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tlambot/feedgate/internal/config"
	"log/slog"
)

// Server hosts the webhook ingress routes.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	http   *http.Server
}

// New wires the handler behind a server with the configured timeouts. The
// read timeout also bounds slow webhook bodies, so a stalled IFTTT delivery
// cannot pin a connection.
func New(cfg config.ServerConfig, logger *slog.Logger, handler http.Handler) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("webhook ingress listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down webhook ingress")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
