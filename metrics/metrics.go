// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Total number of events accepted into the ingest buffer",
		},
		[]string{"source"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_rejected_total",
			Help: "Total number of events rejected at ingest",
		},
		[]string{"source", "reason"},
	)

	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_skipped_total",
			Help: "Total number of malformed events skipped during predicate evaluation",
		},
		[]string{"rule"},
	)

	ActiveWindowStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_active_window_states",
			Help: "Number of live per-group window states",
		},
		[]string{"rule"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_emitted_total",
			Help: "Total number of alerts emitted to the sink",
		},
		[]string{"rule", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by deduplication",
		},
		[]string{"rule"},
	)

	AlertsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_dropped_total",
			Help: "Total number of alerts dropped after sink retries were exhausted",
		},
		[]string{"rule"},
	)

	SinkRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_sink_retries_total",
			Help: "Total number of alert sink retry attempts",
		},
	)

	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a rule across its current window state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule"},
	)

	RulesFailed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_rules_failed",
			Help: "Number of rules currently in the Failed scheduler state",
		},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rule_evaluation_errors_total",
			Help: "Total number of rule-scoped evaluation failures",
		},
		[]string{"rule"},
	)

	RuleReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rule_reloads_total",
			Help: "Total number of rule set reload attempts",
		},
		[]string{"outcome"},
	)

	CorrelationIndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_correlation_index_entries",
			Help: "Number of live left-side entries in the correlation index",
		},
		[]string{"rule"},
	)
)
