package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_sweep_records_total",
			Help: "Records visited by background sweeps",
		},
		[]string{"kind", "result"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_sweep_duration_seconds",
			Help:    "Duration of one background sweep",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	observedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_observed_deposit_messages_total",
			Help: "deposits.observed messages by outcome",
		},
		[]string{"result"},
	)
)
