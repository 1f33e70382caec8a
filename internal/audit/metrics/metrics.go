package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the audit chain.
type Metrics struct {
	EntriesAppended  *prometheus.CounterVec
	AppendRetries    prometheus.Counter
	AppendConflicts  prometheus.Counter
	AppendFailures   *prometheus.CounterVec
	AppendLatency    prometheus.Histogram
	RecorderDropped  *prometheus.CounterVec
	RecorderQueue    prometheus.Gauge
	VerifyRuns       *prometheus.CounterVec
	VerifyFailures   *prometheus.CounterVec
	VerifyLatency    prometheus.Histogram
	EntriesExported  *prometheus.CounterVec
	RetentionDeleted prometheus.Counter
	ReaperRuns       *prometheus.CounterVec
	IngestRecords    *prometheus.CounterVec
}

// New registers the audit collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_entries_appended_total",
			Help: "Total number of audit entries appended, labeled by action",
		}, []string{"action"}),
		AppendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditchain_append_retries_total",
			Help: "Appends retried after losing a chain position race",
		}),
		AppendConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditchain_append_conflicts_total",
			Help: "Appends that exhausted their retries",
		}),
		AppendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_append_failures_total",
			Help: "Appends that failed, labeled by source (recorder, ingest)",
		}, []string{"source"}),
		AppendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditchain_append_duration_seconds",
			Help:    "Latency of a successful append including retries",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		RecorderDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_recorder_dropped_total",
			Help: "Audit events dropped because the recorder queue was full or closed",
		}, []string{"reason"}),
		RecorderQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditchain_recorder_queue_depth",
			Help: "Audit events waiting to be appended",
		}),
		VerifyRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_verify_runs_total",
			Help: "Chain verifications, labeled by result",
		}, []string{"result"}),
		VerifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_verify_failures_total",
			Help: "Chains found broken, labeled by reason",
		}, []string{"reason"}),
		VerifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditchain_verify_duration_seconds",
			Help:    "Latency of a full chain verification",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		EntriesExported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_entries_exported_total",
			Help: "Audit entries written by exports, labeled by format",
		}, []string{"format"}),
		RetentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditchain_retention_deleted_total",
			Help: "Audit entries removed by retention truncation",
		}),
		ReaperRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_reaper_runs_total",
			Help: "Retention sweeps, labeled by result",
		}, []string{"result"}),
		IngestRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_ingest_records_total",
			Help: "Kafka ingest records, labeled by outcome (appended, skipped, failed)",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveAppend(action string, start time.Time) {
	m.EntriesAppended.WithLabelValues(action).Inc()
	m.AppendLatency.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementAppendRetry()    { m.AppendRetries.Inc() }
func (m *Metrics) IncrementAppendConflict() { m.AppendConflicts.Inc() }

func (m *Metrics) IncrementAppendFailure(source string) {
	m.AppendFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) IncrementRecorderDropped(reason string) {
	m.RecorderDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRecorderQueueDepth(n int) {
	m.RecorderQueue.Set(float64(n))
}

func (m *Metrics) ObserveVerify(valid bool, reason string, start time.Time) {
	m.VerifyLatency.Observe(time.Since(start).Seconds())
	if valid {
		m.VerifyRuns.WithLabelValues("valid").Inc()
		return
	}
	m.VerifyRuns.WithLabelValues("invalid").Inc()
	m.VerifyFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddExported(format string, n int) {
	m.EntriesExported.WithLabelValues(format).Add(float64(n))
}

func (m *Metrics) AddRetentionDeleted(n int64) {
	m.RetentionDeleted.Add(float64(n))
}

func (m *Metrics) IncrementReaperRun(ok bool) {
	if ok {
		m.ReaperRuns.WithLabelValues("ok").Inc()
		return
	}
	m.ReaperRuns.WithLabelValues("error").Inc()
}

func (m *Metrics) IncrementIngest(outcome string) {
	m.IngestRecords.WithLabelValues(outcome).Inc()
}
