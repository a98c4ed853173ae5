package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config represents process-level runtime configuration derived from
// environment variables. Source configuration lives in the YAML tree
// (see loader.go).
type Config struct {
	DatabaseURL string
	Schema      string

	ConfigDir string

	NitterInstance string

	WebhookPort       string
	QueueDir          string
	QueueDirTest      string
	BroadcastQueueDir string
	WebhookSecret     string
	MonitorToken      string

	Logging LoggingConfig

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server derives the webhook ingress server parameters.
func (c Config) Server() ServerConfig {
	return ServerConfig{
		Port:            c.WebhookPort,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

const (
	defaultWebhookPort     = "8089"
	defaultConfigDir       = "config"
	defaultSchema          = "production"
	defaultQueueDir        = "queue/ifttt/prod"
	defaultQueueDirTest    = "queue/ifttt/test"
	defaultBroadcastDir    = "queue/broadcast"
	defaultNitterInstance  = "https://nitter.net"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 20 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"
)

// Load reads configuration from environment variables, applying defaults
// when values are not provided.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Schema:            getEnv("SCHEMA", defaultSchema),
		ConfigDir:         getEnv("CONFIG_DIR", defaultConfigDir),
		NitterInstance:    getEnv("NITTER_INSTANCE", defaultNitterInstance),
		WebhookPort:       getEnv("WEBHOOK_PORT", defaultWebhookPort),
		QueueDir:          getEnv("QUEUE_DIR", defaultQueueDir),
		QueueDirTest:      getEnv("QUEUE_DIR_TEST", defaultQueueDirTest),
		BroadcastQueueDir: getEnv("BROADCAST_QUEUE_DIR", defaultBroadcastDir),
		WebhookSecret:     os.Getenv("TLAMBOT_WEBHOOK_SECRET"),
		MonitorToken:      os.Getenv("MONITOR_TOKEN"),
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}

	if os.Getenv("DEBUG") != "" {
		cfg.Logging.Level = slog.LevelDebug
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

// QueueDirFor maps an environment name to its queue root. Unknown names
// fall back to prod.
func (c Config) QueueDirFor(env string) string {
	if env == "test" {
		return c.QueueDirTest
	}
	return c.QueueDir
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
