// Package metrics defines the Prometheus collectors of a scenario run and of
// the offline labeling pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	// Collector
	SamplesCollected prometheus.Counter
	FetchErrors      prometheus.Counter
	PollDuration     prometheus.Histogram

	// Orchestrator
	PhaseDuration  *prometheus.GaugeVec
	PhaseFailures  *prometheus.CounterVec
	ForcedKills    prometheus.Counter
	ActiveCaptures prometheus.Gauge

	// Offline labeling
	FilesProcessed *prometheus.CounterVec // status: succeeded, skipped
	RowsLabeled    *prometheus.CounterVec // label
	CorruptionRate prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SamplesCollected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "flow_samples_total",
			Help:      "Flow samples collected from the stats API.",
		}),
		FetchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "flow_fetch_errors_total",
			Help:      "Failed flow stats requests.",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nslabel",
			Name:      "flow_poll_duration_seconds",
			Help:      "Latency of one flow stats poll.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PhaseDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nslabel",
			Name:      "phase_elapsed_seconds",
			Help:      "Wall time spent in each scenario phase.",
		}, []string{"phase", "label"}),
		PhaseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "phase_failures_total",
			Help:      "Phases that ended with an error.",
		}, []string{"phase"}),
		ForcedKills: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "capture_forced_kills_total",
			Help:      "Captures that ignored the interrupt and were killed.",
		}),
		ActiveCaptures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nslabel",
			Name:      "active_captures",
			Help:      "Capture processes currently running.",
		}),
		FilesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "batch_files_total",
			Help:      "Capture files handled by the batch runner.",
		}, []string{"status"}),
		RowsLabeled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nslabel",
			Name:      "labeled_rows_total",
			Help:      "Packet rows labeled, by label.",
		}, []string{"label"}),
		CorruptionRate: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nslabel",
			Name:      "timestamp_corruption_ratio",
			Help:      "Share of repaired timestamps per capture file.",
			Buckets:   []float64{0, .001, .01, .05, .1, .25, .5, 1},
		}),
	}
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
