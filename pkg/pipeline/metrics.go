package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for pipeline runs.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsCompleted *prometheus.CounterVec // labels: outcome={ok,failed}
	RunDuration   prometheus.Histogram
	StageDuration *prometheus.HistogramVec // labels: stage

	// Row accounting per ingest stage.
	RowsFetched        *prometheus.CounterVec // labels: source
	RowsQuarantined    *prometheus.CounterVec // labels: source, reason
	RowsLanded         *prometheus.CounterVec // labels: source
	EventsMaterialized *prometheus.CounterVec // labels: source

	QualityCheckFailures     *prometheus.CounterVec // labels: source, check, severity
	PartitionReplaceFailures *prometheus.CounterVec // labels: table
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_runs_started_total",
			Help:      "Total pipeline runs started.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_runs_completed_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of a complete run for one processing date.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"stage"}),
		RowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_rows_fetched_total",
			Help:      "Raw batch rows read from upstream, per source.",
		}, []string{"source"}),
		RowsQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_rows_quarantined_total",
			Help:      "Rows rejected by manifest validation, per source and reason.",
		}, []string{"source", "reason"}),
		RowsLanded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_rows_landed_total",
			Help:      "Normalized rows written to the landing partition, per source.",
		}, []string{"source"}),
		EventsMaterialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_events_materialized_total",
			Help:      "Long-format events materialized, per source.",
		}, []string{"source"}),
		QualityCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_quality_check_failures_total",
			Help:      "Failed quality gate checks by source, check, and severity.",
		}, []string{"source", "check", "severity"}),
		PartitionReplaceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlake",
			Name:      "pipeline_partition_replace_failures_total",
			Help:      "Partition replaces that exhausted retries, per table.",
		}, []string{"table"}),
	}

	prometheus.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunDuration,
		m.StageDuration,
		m.RowsFetched,
		m.RowsQuarantined,
		m.RowsLanded,
		m.EventsMaterialized,
		m.QualityCheckFailures,
		m.PartitionReplaceFailures,
	)

	return m
}

// NewMetricsForTesting creates Metrics left unregistered, so parallel tests
// never trip "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RunsStarted:              prometheus.NewCounter(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_runs_started_total"}),
		RunsCompleted:            prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_runs_completed_total"}, []string{"outcome"}),
		RunDuration:              prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "sensorlake", Name: "pipeline_run_duration_seconds"}),
		StageDuration:            prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "sensorlake", Name: "pipeline_stage_duration_seconds"}, []string{"stage"}),
		RowsFetched:              prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_rows_fetched_total"}, []string{"source"}),
		RowsQuarantined:          prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_rows_quarantined_total"}, []string{"source", "reason"}),
		RowsLanded:               prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_rows_landed_total"}, []string{"source"}),
		EventsMaterialized:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_events_materialized_total"}, []string{"source"}),
		QualityCheckFailures:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_quality_check_failures_total"}, []string{"source", "check", "severity"}),
		PartitionReplaceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sensorlake", Name: "pipeline_partition_replace_failures_total"}, []string{"table"}),
	}
}
