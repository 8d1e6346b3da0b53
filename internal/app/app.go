package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"depositrecon/internal/common/cache"
	"depositrecon/internal/common/database"
	"depositrecon/internal/common/events"
	"depositrecon/internal/common/nats"
	"depositrecon/internal/providers/accounting"
	"depositrecon/internal/providers/nobitex"
	"depositrecon/internal/providers/pricequote"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
	"depositrecon/internal/recon/store"
	"depositrecon/migrations"
)

// App is the assembled service graph. Cache and NATS are nil when their URL
// is not configured.
type App struct {
	DB      *database.DB
	Cache   *cache.Cache
	NATS    *nats.Client
	Service *recon.Service

	logger *slog.Logger
}

// Build connects infrastructure and wires the reconciliation service. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	a.DB, err = database.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	policy, err := domain.LoadPolicy(cfg.Recon.PolicyFile)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.URL != "" {
		a.Cache, err = cache.New(ctx, cfg.Cache)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("REDIS_URL not set: price quotes are not cached and idempotency replay is disabled")
	}

	var publisher events.Publisher = events.Discard{}
	if cfg.NATS.URL != "" {
		a.NATS, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		if _, err := a.NATS.EnsureStream(ctx, cfg.NATS.EventStream, nats.Subject(">")); err != nil {
			return nil, err
		}
		publisher = nats.NewPublisher(a.NATS, logger)
	} else {
		logger.Warn("NATS_URL not set: integration events are discarded")
	}

	exchange, err := nobitex.New(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("creating exchange client: %w", err)
	}

	repo := store.New(a.DB)
	a.Service = recon.NewService(cfg.Recon, repo, repo, exchange, policy, publisher, logger)
	a.Service.SetAddressGenerator(exchange)

	if cfg.Accounting.BaseURL != "" {
		a.Service.SetLedgerClient(accounting.New(cfg.Accounting, logger))
	} else {
		logger.Warn("ACCOUNTING_BASE_URL not set: settled deposits are not credited")
	}

	if cfg.Prices.BaseURL != "" {
		var quotes pricequote.Cache
		if a.Cache != nil {
			quotes = a.Cache.Namespace("prices")
		}
		a.Service.SetPriceQuoter(pricequote.New(cfg.Prices, quotes, logger))
	} else {
		logger.Warn("PRICE_QUOTE_BASE_URL not set: only settlement-currency deposits can be credited")
	}

	return a, nil
}

// DepositSubscriber binds the durable consumer for observed deposits. It
// returns nil when NATS is not configured.
func (a *App) DepositSubscriber(ctx context.Context, cfg nats.Config) (*nats.Subscriber, error) {
	if a.NATS == nil {
		return nil, nil
	}
	if _, err := a.NATS.EnsureStream(ctx, cfg.DepositStream, events.SubjectDepositsObserved); err != nil {
		return nil, err
	}
	consumer, err := a.NATS.EnsureConsumer(ctx, cfg.DepositStream, cfg.Consumer, events.SubjectDepositsObserved)
	if err != nil {
		return nil, err
	}
	return nats.NewSubscriber(consumer, a.logger), nil
}

// HealthCheck checks every configured dependency.
func (a *App) HealthCheck(ctx context.Context) error {
	var errs []error
	if err := a.DB.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if a.Cache != nil {
		if err := a.Cache.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.NATS != nil {
		if err := a.NATS.HealthCheck(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
