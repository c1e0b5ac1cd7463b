package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catalogsync"

// SyncMetrics holds the Prometheus metrics of replication runs. A nil
// *SyncMetrics records nothing.
type SyncMetrics struct {
	DatasetsTotal   *prometheus.CounterVec
	DatasetDuration prometheus.Histogram
	TablesTotal     *prometheus.CounterVec
	RowsTotal       prometheus.Counter
	LastRun         prometheus.Gauge

	registry *prometheus.Registry
}

// NewSyncMetrics creates the metrics on a fresh registry.
func NewSyncMetrics() *SyncMetrics {
	m := &SyncMetrics{
		registry: prometheus.NewRegistry(),
	}

	m.DatasetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datasets_total",
			Help:      "Datasets processed by final state",
		},
		[]string{"state"},
	)

	m.DatasetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dataset_sync_duration_seconds",
			Help:      "Time to sync one dataset, from check to commit",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	m.TablesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_materialized_total",
			Help:      "Tables materialized by outcome",
		},
		[]string{"status"}, // "success", "error"
	)

	m.RowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_materialized_total",
			Help:      "Rows loaded into staging tables",
		},
	)

	m.LastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the last replication run",
		},
	)

	m.registry.MustRegister(
		m.DatasetsTotal,
		m.DatasetDuration,
		m.TablesTotal,
		m.RowsTotal,
		m.LastRun,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *SyncMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDataset counts a dataset reaching a final state.
func (m *SyncMetrics) RecordDataset(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DatasetsTotal.WithLabelValues(state).Inc()
	m.DatasetDuration.Observe(elapsed.Seconds())
}

// RecordTable counts one table materialization.
func (m *SyncMetrics) RecordTable(rows int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.TablesTotal.WithLabelValues("error").Inc()
		return
	}
	m.TablesTotal.WithLabelValues("success").Inc()
	m.RowsTotal.Add(float64(rows))
}

// RunFinished marks the end of a replication run.
func (m *SyncMetrics) RunFinished(at time.Time) {
	if m == nil {
		return
	}
	m.LastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes the metrics in the text exposition format, for
// collection by a node exporter textfile collector.
func (m *SyncMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
