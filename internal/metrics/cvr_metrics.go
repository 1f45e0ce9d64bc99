// Package metrics defines the Prometheus instrumentation for the CVR
// subsystem: flush latency/outcome, catchup batch size, ownership
// transfers, and refcount-drift clamps, following the same
// promauto-constructed-struct shape as the teacher's pkg/history/metrics
// and internal/realtime metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CVRMetrics holds the Prometheus collectors for one process's CVR
// stores. Construct once at startup with NewCVRMetrics and share the
// pointer across every store.Store/updater.QueryUpdater the process
// serves — the underlying collectors are registered exactly once with
// the default registry.
type CVRMetrics struct {
	// FlushDuration observes Store.Flush wall time, labeled by outcome
	// ("ok", "concurrent_modification", "ownership", "error").
	FlushDuration *prometheus.HistogramVec

	// FlushTotal counts flushes by the same outcome label.
	FlushTotal *prometheus.CounterVec

	// CatchupBatchSize observes how many row patches one
	// CatchupRowPatches call streamed to a catching-up client.
	CatchupBatchSize prometheus.Histogram

	// OwnershipTransfersTotal counts successful best-effort ownership
	// takeovers observed by Store.Load (spec §4.5.1).
	OwnershipTransfersTotal prometheus.Counter

	// RefcountDriftTotal counts (row, query) refcount merges that would
	// have gone negative and were clamped to zero instead — a signal
	// that upstream delta accounting disagreed with the CVR's own
	// bookkeeping (spec §4.8's "cannot go negative" clause).
	RefcountDriftTotal prometheus.Counter
}

// NewCVRMetrics constructs and registers the CVR collectors under the
// given namespace. Call once per process.
func NewCVRMetrics(namespace string) *CVRMetrics {
	return &CVRMetrics{
		FlushDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cvr",
			Name:      "flush_duration_seconds",
			Help:      "Duration of Store.Flush calls, labeled by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"outcome"}),

		FlushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cvr",
			Name:      "flush_total",
			Help:      "Total number of Store.Flush calls, labeled by outcome.",
		}, []string{"outcome"}),

		CatchupBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cvr",
			Name:      "catchup_batch_size_rows",
			Help:      "Number of row patches streamed per CatchupRowPatches call.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),

		OwnershipTransfersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cvr",
			Name:      "ownership_transfers_total",
			Help:      "Total number of best-effort instance ownership takeovers.",
		}),

		RefcountDriftTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cvr",
			Name:      "refcount_drift_total",
			Help:      "Total number of (row, query) refcount merges clamped from negative to zero.",
		}),
	}
}

// FlushOutcome labels a recorded flush for FlushDuration/FlushTotal.
type FlushOutcome string

const (
	FlushOK                     FlushOutcome = "ok"
	FlushConcurrentModification FlushOutcome = "concurrent_modification"
	FlushOwnership              FlushOutcome = "ownership"
	FlushError                  FlushOutcome = "error"
)

// ObserveFlush is a nil-safe helper so callers holding a possibly-nil
// *CVRMetrics don't need to guard every call site themselves.
func (m *CVRMetrics) ObserveFlush(outcome FlushOutcome, seconds float64) {
	if m == nil {
		return
	}
	m.FlushDuration.WithLabelValues(string(outcome)).Observe(seconds)
	m.FlushTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveCatchupBatch is a nil-safe helper for CatchupBatchSize.
func (m *CVRMetrics) ObserveCatchupBatch(n int) {
	if m == nil {
		return
	}
	m.CatchupBatchSize.Observe(float64(n))
}

// IncOwnershipTransfer is a nil-safe helper for OwnershipTransfersTotal.
func (m *CVRMetrics) IncOwnershipTransfer() {
	if m == nil {
		return
	}
	m.OwnershipTransfersTotal.Inc()
}

// AddRefcountDrift is a nil-safe helper for RefcountDriftTotal.
func (m *CVRMetrics) AddRefcountDrift(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RefcountDriftTotal.Add(float64(n))
}
