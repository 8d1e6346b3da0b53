// Package app assembles the reconciliation service from configuration. Both
// the HTTP service and the operator CLI build through it.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"depositrecon/internal/common/cache"
	"depositrecon/internal/common/database"
	"depositrecon/internal/common/nats"
	"depositrecon/internal/providers/accounting"
	"depositrecon/internal/providers/nobitex"
	"depositrecon/internal/providers/pricequote"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/worker"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"RECON_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	APIKeys        []string      `envconfig:"API_KEYS"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RateLimitRPS   float64       `envconfig:"HTTP_RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int           `envconfig:"HTTP_RATE_LIMIT_BURST" default:"40"`

	Database   database.Config
	NATS       nats.Config
	Cache      cache.Config
	Exchange   nobitex.Config
	Accounting accounting.Config
	Prices     pricequote.Config
	Recon      recon.Config
	Worker     worker.Config
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger: JSON unless format is "text".
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
