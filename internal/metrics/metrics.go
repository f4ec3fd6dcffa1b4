// Package metrics exposes Prometheus metrics for engine and stream activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK         = "ok"
	OutcomeValidation = "validation"
	OutcomeConflict   = "conflict"
	OutcomeNotFound   = "not_found"
	OutcomeCanceled   = "canceled"
	OutcomeSkipped    = "skipped"
	OutcomeError      = "error"
)

var (
	namespace = "arbor"

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of engine operations by resource type, operation and outcome",
		},
		[]string{"resource_type", "op", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Time taken by engine operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource_type", "op"},
	)

	batchOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_operations",
			Help:      "Number of store operations queued per committed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"resource_type", "op"},
	)

	streamRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Total number of stream records handled by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveOperation records one engine operation.
func ObserveOperation(resourceType, op, outcome string, duration time.Duration) {
	operationsTotal.WithLabelValues(resourceType, op, outcome).Inc()
	operationDuration.WithLabelValues(resourceType, op).Observe(duration.Seconds())
}

// ObserveBatch records the size of a committed batch.
func ObserveBatch(resourceType, op string, size int) {
	batchOps.WithLabelValues(resourceType, op).Observe(float64(size))
}

// IncStreamRecord counts a handled stream record.
func IncStreamRecord(outcome string) {
	streamRecordsTotal.WithLabelValues(outcome).Inc()
}
