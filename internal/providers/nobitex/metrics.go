package nobitex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_exchange_requests_total",
			Help: "Exchange API requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_exchange_request_duration_seconds",
			Help:    "Exchange API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)
