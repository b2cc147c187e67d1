// Package metrics holds the Prometheus collectors shared by the projection,
// the write path and the snapshot uploader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "configline"

// Drop reasons for SnapshotDropped.
const (
	DropQueueFull  = "queue_full"
	DropSaveFailed = "save_failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsFolded      prometheus.Counter
	FoldErrors        prometheus.Counter
	ProjectedRevision prometheus.Gauge
	LogHead           prometheus.Gauge
	ProjectionLag     prometheus.Gauge
	FoldDuration      prometheus.Histogram
	AppendConflicts   prometheus.Counter
	Appends           *prometheus.CounterVec
	SnapshotUploads   *prometheus.CounterVec
	SnapshotDropped   *prometheus.CounterVec
	SnapshotQueue     prometheus.Gauge
	SweptConfigs      prometheus.Counter
}

// New builds the collectors on a private registry so tests and multiple
// runtimes in one process do not collide on the global one.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsFolded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "events_folded_total",
			Help:      "Events folded into the object cache.",
		}),
		FoldErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "fold_errors_total",
			Help:      "Fold failures that halted the projection.",
		}),
		ProjectedRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "projected_revision",
			Help:      "Last revision committed to the object cache.",
		}),
		LogHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "log_head_revision",
			Help:      "Tail revision of the event log.",
		}),
		ProjectionLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "lag",
			Help:      "Events appended but not yet folded.",
		}),
		FoldDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "batch_duration_seconds",
			Help:      "Time spent folding and committing one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writes",
			Name:      "append_conflicts_total",
			Help:      "Appends rejected because the expected revision was stale.",
		}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writes",
			Name:      "appends_total",
			Help:      "Events appended by type.",
		}, []string{"type"}),
		SnapshotUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "uploads_total",
			Help:      "Snapshot batches saved by outcome.",
		}, []string{"outcome"}),
		SnapshotDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "dropped_total",
			Help:      "Snapshots dropped without being saved.",
		}, []string{"reason"}),
		SnapshotQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "queue_length",
			Help:      "Snapshots waiting for the uploader.",
		}),
		SweptConfigs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expired_configurations_swept_total",
			Help:      "Prepared configurations removed after their validity window closed.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsFolded, m.FoldErrors, m.ProjectedRevision, m.LogHead, m.ProjectionLag, m.FoldDuration,
		m.AppendConflicts, m.Appends,
		m.SnapshotUploads, m.SnapshotDropped, m.SnapshotQueue,
		m.SweptConfigs,
	)
	return m
}

// SetHead records the log tail and derives the lag from the watermark.
func (m *Metrics) SetHead(head, projected uint64) {
	if m == nil {
		return
	}
	m.LogHead.Set(float64(head))
	m.ProjectedRevision.Set(float64(projected))
	lag := float64(0)
	if head > projected {
		lag = float64(head - projected)
	}
	m.ProjectionLag.Set(lag)
}
