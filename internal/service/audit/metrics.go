package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	EventsSealed         prometheus.Counter
	IngestFailures       *prometheus.CounterVec
	Verifications        *prometheus.CounterVec
	AlertsCreated        *prometheus.CounterVec
	AlertsDeduplicated   *prometheus.CounterVec
	RuleEvaluationErrors *prometheus.CounterVec
	SkippedRecords       *prometheus.CounterVec
	AggregateDuration    prometheus.Histogram
	SnapshotCacheHits    *prometheus.CounterVec
	ExportDuration       *prometheus.HistogramVec
	ExportsCancelled     prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsSealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "ingest",
			Name:      "events_sealed_total",
			Help:      "Events sealed and durably appended",
		}),
		IngestFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "ingest",
			Name:      "failures_total",
			Help:      "Events rejected or not persisted, by error code",
		}, []string{"code"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "integrity",
			Name:      "verifications_total",
			Help:      "Integrity verifications by result and reason",
		}, []string{"result", "reason"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Alerts created by rule and severity",
		}, []string{"rule_id", "severity"}),
		AlertsDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "alerts",
			Name:      "deduplicated_total",
			Help:      "Rule firings suppressed because an alert was already open",
		}, []string{"rule_id"}),
		RuleEvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "alerts",
			Name:      "rule_evaluation_errors_total",
			Help:      "Rule evaluations skipped because of an error",
		}, []string{"rule_id"}),
		SkippedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "store",
			Name:      "skipped_records_total",
			Help:      "Stored events skipped on read because they could not be decoded",
		}, []string{"operation"}),
		AggregateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "analytics",
			Name:      "aggregate_duration_seconds",
			Help:      "Time to compute an analytics snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		SnapshotCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "analytics",
			Name:      "snapshot_cache_total",
			Help:      "Snapshot cache lookups by result",
		}, []string{"result"}),
		ExportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "export",
			Name:      "duration_seconds",
			Help:      "Export duration by format",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"format"}),
		ExportsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "export",
			Name:      "cancelled_total",
			Help:      "Exports abandoned because the caller cancelled or a read failed",
		}),
	}
}
