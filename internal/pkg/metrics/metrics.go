package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpgate_retries_total",
		Help: "Retried connector operations",
	}, []string{"exchange", "operation"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpgate_errors_total",
		Help: "Terminal normalized errors by taxonomy kind",
	}, []string{"exchange", "kind"})

	ConnectorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpgate_connector_latency_seconds",
		Help:    "Connector call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"exchange", "operation"})

	BalanceCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpgate_balance_cache_results_total",
		Help: "Shared balance cache outcomes (fresh, stale, wait, direct, fallback, unavailable)",
	}, []string{"exchange", "outcome"})

	BalanceLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpgate_balance_locks_total",
		Help: "Shared balance lock acquisition results",
	}, []string{"exchange", "result"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpgate_http_latency_seconds",
		Help:    "Ops surface request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "status"})
)
