// Package worker drives reconciliation in the background: periodic sweeps
// over open records and the observed-deposit bus consumer.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
)

// Config holds sweep configuration.
type Config struct {
	Enabled         bool          `envconfig:"WORKER_ENABLED" default:"true"`
	InvoiceInterval time.Duration `envconfig:"WORKER_INVOICE_INTERVAL" default:"30s"`
	PrepaidInterval time.Duration `envconfig:"WORKER_PREPAID_INTERVAL" default:"30s"`
	BatchSize       int           `envconfig:"WORKER_BATCH_SIZE" default:"50"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		InvoiceInterval: 30 * time.Second,
		PrepaidInterval: 30 * time.Second,
		BatchSize:       50,
	}
}

// Reconciler is the part of *recon.Service the sweeps drive.
type Reconciler interface {
	ListOpenInvoices(ctx context.Context, limit int) ([]*domain.Invoice, error)
	SyncInvoice(ctx context.Context, invoiceID string) (recon.SyncResult, error)
	ListAwaitingPrepaid(ctx context.Context, limit int) ([]*domain.PrepaidInvoice, error)
	SyncPrepaid(ctx context.Context, id string) (recon.PrepaidSyncResult, error)
}

// SweepStats counts one pass over a record kind.
type SweepStats struct {
	Listed  int
	Synced  int
	Failed  int
	Changed int
}

// Poller periodically syncs open invoices and awaiting prepaid records.
type Poller struct {
	svc    Reconciler
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. Zero intervals and batch size fall back to
// defaults.
func NewPoller(svc Reconciler, cfg Config, logger *slog.Logger) *Poller {
	d := DefaultConfig()
	if cfg.InvoiceInterval <= 0 {
		cfg.InvoiceInterval = d.InvoiceInterval
	}
	if cfg.PrepaidInterval <= 0 {
		cfg.PrepaidInterval = d.PrepaidInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	return &Poller{svc: svc, cfg: cfg, logger: logger}
}

// Start launches both sweep loops.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.loop(ctx, "invoice", p.cfg.InvoiceInterval, p.SweepInvoices)
	go p.loop(ctx, "prepaid", p.cfg.PrepaidInterval, p.SweepPrepaid)

	p.logger.Info("reconciliation poller started",
		"invoice_interval", p.cfg.InvoiceInterval,
		"prepaid_interval", p.cfg.PrepaidInterval,
		"batch_size", p.cfg.BatchSize,
	)
}

// Stop cancels the loops and waits for the running sweep to finish.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("reconciliation poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) loop(ctx context.Context, kind string, interval time.Duration, sweep func(context.Context) SweepStats) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			stats := sweep(ctx)
			sweepDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
			if stats.Listed > 0 {
				p.logger.Debug("sweep finished",
					"kind", kind,
					"listed", stats.Listed,
					"synced", stats.Synced,
					"changed", stats.Changed,
					"failed", stats.Failed,
				)
			}
		}
	}
}

// SweepInvoices syncs one batch of open invoices, least recently synced first,
// so consecutive sweeps cover every open invoice. A failing invoice is
// logged and skipped.
func (p *Poller) SweepInvoices(ctx context.Context) SweepStats {
	var stats SweepStats
	invoices, err := p.svc.ListOpenInvoices(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to list open invoices", "error", err)
		sweepRecords.WithLabelValues("invoice", "list_failed").Inc()
		return stats
	}
	stats.Listed = len(invoices)

	for _, inv := range invoices {
		if ctx.Err() != nil {
			return stats
		}
		res, err := p.svc.SyncInvoice(ctx, inv.ID())
		if err != nil {
			stats.Failed++
			sweepRecords.WithLabelValues("invoice", "failed").Inc()
			p.logger.Warn("invoice sync failed", "invoice_id", inv.ID(), "error", err)
			continue
		}
		stats.Synced++
		sweepRecords.WithLabelValues("invoice", "synced").Inc()
		if res.Applied > 0 || res.Status != inv.Status() {
			stats.Changed++
		}
	}
	return stats
}

// SweepPrepaid syncs one batch of awaiting prepaid records, least recently
// checked first. Overdue records expire on their sync.
func (p *Poller) SweepPrepaid(ctx context.Context) SweepStats {
	var stats SweepStats
	records, err := p.svc.ListAwaitingPrepaid(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to list awaiting prepaid invoices", "error", err)
		sweepRecords.WithLabelValues("prepaid", "list_failed").Inc()
		return stats
	}
	stats.Listed = len(records)

	for _, rec := range records {
		if ctx.Err() != nil {
			return stats
		}
		res, err := p.svc.SyncPrepaid(ctx, rec.ID())
		if err != nil {
			stats.Failed++
			sweepRecords.WithLabelValues("prepaid", "failed").Inc()
			p.logger.Warn("prepaid sync failed", "prepaid_id", rec.ID(), "error", err)
			continue
		}
		stats.Synced++
		sweepRecords.WithLabelValues("prepaid", "synced").Inc()
		if res.Changed {
			stats.Changed++
		}
	}
	return stats
}
