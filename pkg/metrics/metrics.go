package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_operations_total",
			Help: "Total number of operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_lock_conflicts_total",
			Help: "Total number of transaction lock conflicts",
		},
	)

	CompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_compensations_total",
			Help: "Total number of saga compensations (blob deletes after a failed doc commit)",
		},
	)

	// Fallback metrics
	FallbackQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_fallback_queue_depth",
			Help: "Current number of queued fallback operations",
		},
	)

	FallbackRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_fallback_retries_total",
			Help: "Total number of fallback retries by outcome",
		},
		[]string{"outcome"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_dead_letters_total",
			Help: "Total number of operations moved to the dead-letter collection",
		},
	)

	// Blob metrics
	BlobBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_blob_bytes_written_total",
			Help: "Total bytes written to the object store by kind",
		},
		[]string{"kind"},
	)

	LocksReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_locks_reaped_total",
			Help: "Total number of expired locks removed by the reaper",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(LockConflictsTotal)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(FallbackQueueDepth)
	prometheus.MustRegister(FallbackRetriesTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(BlobBytesWritten)
	prometheus.MustRegister(LocksReaped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes an operation duration on Stop.
type Timer struct {
	op    string
	start time.Time
}

// NewTimer starts a timer for an operation kind.
func NewTimer(op string) *Timer {
	return &Timer{op: op, start: time.Now()}
}

// Stop records the elapsed duration and the outcome.
func (t *Timer) Stop(outcome string) {
	OperationDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
	OperationsTotal.WithLabelValues(t.op, outcome).Inc()
}
