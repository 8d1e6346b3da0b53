package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depositrecon/internal/app"
	"depositrecon/internal/common/middleware"
	"depositrecon/internal/recon/api"
	"depositrecon/internal/recon/worker"
)

func main() {
	// Load configuration
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	// Create context that listens for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Background reconciliation
	var poller *worker.Poller
	if cfg.Worker.Enabled {
		poller = worker.NewPoller(a.Service, cfg.Worker, logger)
		poller.Start(ctx)
	}

	sub, err := a.DepositSubscriber(ctx, cfg.NATS)
	if err != nil {
		return err
	}
	if sub != nil {
		consumer := worker.NewDepositConsumer(a.Service, logger)
		go func() {
			if err := sub.Start(ctx, consumer.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("deposit subscriber stopped", "error", err)
			}
		}()
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.HealthCheck(r.Context()); err != nil {
			logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	handler := api.NewHandler(a.Service, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(middleware.NewKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), middleware.ClientIP))
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		if a.Cache != nil {
			r.Use(middleware.Idempotency(a.Cache.Namespace("idempotency"), cfg.IdempotencyTTL, logger))
		}
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting reconciliation service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if poller != nil {
		if err := poller.Stop(shutdownCtx); err != nil {
			logger.Error("poller shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
	return nil
}
