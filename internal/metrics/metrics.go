// Package metrics exports compaction activity as Prometheus metrics.
//
// A Collector is installed as the compaction manager's Observer and owns its
// own registry, which the admin server exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aalhour/tabletkv/internal/compaction"
)

const namespace = "tabletkv"

var _ compaction.Observer = (*Collector)(nil)

// Collector records one sample per compaction task.
type Collector struct {
	registry *prometheus.Registry

	Tasks         *prometheus.CounterVec
	Running       *prometheus.GaugeVec
	MergedRowsets *prometheus.CounterVec
	BytesWritten  *prometheus.CounterVec
	RowsWritten   *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

// Options configures a Collector.
type Options struct {
	// ProcessCollectors adds the Go runtime and process collectors.
	ProcessCollectors bool
}

// New creates a Collector with a fresh registry.
func New(opts Options) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "tasks_total",
			Help:      "Compaction tasks by kind and result.",
		}, []string{"kind", "result"}),
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "running",
			Help:      "Compaction tasks currently executing.",
		}, []string{"kind"}),
		MergedRowsets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "merged_rowsets_total",
			Help:      "Input rowsets replaced by successful compactions.",
		}, []string{"kind"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "written_bytes_total",
			Help:      "Bytes of segment data written by successful compactions.",
		}, []string{"kind"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "written_rows_total",
			Help:      "Rows written by successful compactions.",
		}, []string{"kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "duration_seconds",
			Help:      "Wall time of compaction tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind", "result"}),
	}
	c.registry.MustRegister(c.Tasks, c.Running, c.MergedRowsets, c.BytesWritten, c.RowsWritten, c.Duration)
	if opts.ProcessCollectors {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry holding every metric of c.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// TaskStarted implements compaction.Observer.
func (c *Collector) TaskStarted(t *compaction.Task) {
	c.Running.With(prometheus.Labels{"kind": t.Plan().Kind.String()}).Inc()
}

// TaskFinished implements compaction.Observer.
func (c *Collector) TaskFinished(t *compaction.Task) {
	kind := t.Plan().Kind.String()
	result := "failed"
	if t.State() == compaction.StateSucceeded {
		result = "succeeded"
	}
	c.Running.With(prometheus.Labels{"kind": kind}).Dec()
	c.Tasks.With(prometheus.Labels{"kind": kind, "result": result}).Inc()
	c.Duration.With(prometheus.Labels{"kind": kind, "result": result}).Observe(t.Duration().Seconds())
	if result != "succeeded" {
		return
	}
	c.MergedRowsets.With(prometheus.Labels{"kind": kind}).Add(float64(t.Result().Removed))
	if out := t.Output(); out != nil {
		c.BytesWritten.With(prometheus.Labels{"kind": kind}).Add(float64(out.SizeBytes))
		c.RowsWritten.With(prometheus.Labels{"kind": kind}).Add(float64(out.RowCount))
	}
}
