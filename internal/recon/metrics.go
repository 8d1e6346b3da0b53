package recon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_deposit_apply_total",
			Help: "Deposit application attempts by outcome reason",
		},
		[]string{"reason"},
	)

	applyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recon_deposit_apply_conflicts_total",
			Help: "Optimistic version conflicts hit while saving an invoice",
		},
	)

	ledgerCredits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_ledger_credits_total",
			Help: "Ledger credit calls by source and result",
		},
		[]string{"source", "result"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_sync_duration_seconds",
			Help:    "Duration of one reconciliation sync",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_events_published_total",
			Help: "Integration events published after commit",
		},
		[]string{"type"},
	)
)
