// Package metrics registers the Prometheus instruments shared by the write
// and read paths. Expose them via promhttp.Handler on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudshield_events_admitted_total",
		Help: "Events admitted by the sequencer.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudshield_events_rejected_total",
		Help: "Events rejected by the sequencer, labelled by reason.",
	}, []string{"reason"})

	EventsLate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudshield_events_late_total",
		Help: "Events below the entity watermark, labelled by applied policy.",
	}, []string{"policy"})

	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudshield_events_deduplicated_total",
		Help: "Events ignored because their event_id was already applied.",
	})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudshield_aggregate_apply_duration_ms",
		Help:    "Latency of one aggregation engine apply in milliseconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 25},
	})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudshield_repository_merge_duration_ms",
		Help:    "Latency of one feature repository merge in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 100},
	})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudshield_decisions_total",
		Help: "Scoring decisions, labelled by path and action.",
	}, []string{"path", "action"})

	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fraudshield_decision_latency_ms",
		Help:    "End-to-end scoring latency in milliseconds, labelled by path.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 150, 200, 250, 500},
	}, []string{"path"})

	StageTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudshield_stage_timeouts_total",
		Help: "Sub-budget expirations, labelled by stage.",
	}, []string{"stage"})

	AttributionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudshield_attribution_failures_total",
		Help: "Best-effort attribution calls that failed or timed out.",
	})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudshield_config_reloads_total",
		Help: "Configuration reload attempts, labelled by outcome.",
	}, []string{"outcome"})

	TrackedEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fraudshield_tracked_entities",
		Help: "Entities currently resident in the aggregation engine.",
	})

	IngestLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fraudshield_ingest_backlog",
		Help: "Events buffered in the partitioned dispatcher.",
	})
)
