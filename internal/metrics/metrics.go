package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReadingsTotal counts Append outcomes. outcome: accepted/duplicate/rejected
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmaint_readings_total",
			Help: "Total number of readings processed by the reading store.",
		},
		[]string{"outcome", "reason"},
	)

	// MeterResetsTotal counts readings accepted as a new meter epoch.
	MeterResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmaint_meter_resets_total",
			Help: "Total number of readings accepted as meter resets.",
		},
	)

	// SyncItemsTotal counts batch items by kind and outcome.
	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmaint_sync_items_total",
			Help: "Total number of items submitted through the sync gateway.",
		},
		[]string{"kind", "outcome"},
	)

	// SyncBatchLatency records how long one batch submission took.
	SyncBatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmaint_sync_batch_latency_seconds",
			Help:    "Latency of processing one sync batch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"}, // http/mqtt
	)

	// RecomputeTotal counts schedule recomputations. trigger: reading/sweep/lock/completion
	RecomputeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmaint_recompute_total",
			Help: "Total number of schedule recomputations.",
		},
		[]string{"trigger", "status"},
	)

	// RecomputeQueueDepth is the number of schedules waiting for the worker.
	RecomputeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetmaint_recompute_queue_depth",
			Help: "Number of schedules queued for recomputation.",
		},
	)

	// StatusTransitionsTotal counts schedule status changes.
	StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmaint_status_transitions_total",
			Help: "Total number of schedule status transitions.",
		},
		[]string{"from", "to"},
	)

	// SweepDuration records the duration of a full sweep.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmaint_sweep_duration_seconds",
			Help:    "Duration of the periodic schedule sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReadingsTotal,
		MeterResetsTotal,
		SyncItemsTotal,
		SyncBatchLatency,
		RecomputeTotal,
		RecomputeQueueDepth,
		StatusTransitionsTotal,
		SweepDuration,
	)
}
