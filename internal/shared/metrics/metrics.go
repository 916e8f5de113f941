// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keypool_request_duration_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 120, 300},
		},
		[]string{"model", "call_type"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_request_count_total",
			Help: "Total number of dispatches by outcome",
		},
		[]string{"model", "call_type", "status"},
	)

	InputUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_input_units_total",
			Help: "Total input usage units reported or estimated",
		},
		[]string{"model", "call_type"},
	)

	OutputUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_output_units_total",
			Help: "Total output usage units reported or estimated",
		},
		[]string{"model", "call_type"},
	)

	CredentialDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_credential_dispatches_total",
			Help: "Dispatches bound to each credential",
		},
		[]string{"credential_id"},
	)

	NoCredentialAvailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_no_credential_available_total",
			Help: "Dispatches rejected because no credential could be selected",
		},
		[]string{"reason"},
	)

	AccountingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_accounting_failures_total",
			Help: "Usage increments that failed after an upstream call",
		},
	)

	CallLogFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_call_log_failures_total",
			Help: "Call outcomes that could not be persisted",
		},
	)

	StreamParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_stream_parse_errors_total",
			Help: "Stream data lines that could not be parsed for usage",
		},
	)

	StreamTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_stream_terminations_total",
			Help: "Relayed streams by terminal state",
		},
		[]string{"state"},
	)

	PoolRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_pool_refreshes_total",
			Help: "Credential pool reloads by result",
		},
		[]string{"result"},
	)

	EligibleCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_eligible_credentials",
			Help: "Credentials below their daily limit at the last pool load",
		},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_inflight_requests",
			Help: "Current inflight dispatches",
		},
		[]string{"call_type"},
	)
)
