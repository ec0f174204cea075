// Package metrics provides Prometheus metrics for resolution, indexing and
// test runs. Every recording method is safe to call on a nil *Metrics, so
// components can take metrics as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors, registered on a private registry so that
// tests and multiple sessions never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	indexBuilds       *prometheus.CounterVec
	indexFiles        prometheus.Gauge
	indexBuildSeconds prometheus.Histogram
	runs              *prometheus.CounterVec
	outputBytes       prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phpunitkit_path_cache_lookups_total",
				Help: "Path cache lookups by result",
			},
			[]string{"result"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phpunitkit_resolutions_total",
				Help: "File resolutions by the strategy that found the file",
			},
			[]string{"strategy"},
		),
		indexBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phpunitkit_index_builds_total",
				Help: "Project index builds by outcome",
			},
			[]string{"outcome"},
		),
		indexFiles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "phpunitkit_index_files",
				Help: "Files recorded by the most recent index build",
			},
		),
		indexBuildSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phpunitkit_index_build_duration_seconds",
				Help:    "Time spent walking a project tree",
				Buckets: prometheus.DefBuckets,
			},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phpunitkit_runs_total",
				Help: "Test runner invocations by outcome",
			},
			[]string{"outcome"},
		),
		outputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "phpunitkit_output_bytes_total",
				Help: "Bytes of runner output streamed to sinks",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheLookup counts a path cache lookup ("found", "not_found", "absent").
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Resolved counts a resolution by strategy, or "none" when nothing matched.
func (m *Metrics) Resolved(strategy string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strategy).Inc()
}

// IndexBuilt records one index build.
func (m *Metrics) IndexBuilt(outcome string, files int, took time.Duration) {
	if m == nil {
		return
	}
	m.indexBuilds.WithLabelValues(outcome).Inc()
	m.indexFiles.Set(float64(files))
	m.indexBuildSeconds.Observe(took.Seconds())
}

// Run counts a runner invocation outcome.
func (m *Metrics) Run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// OutputBytes adds streamed output volume.
func (m *Metrics) OutputBytes(n int) {
	if m == nil {
		return
	}
	m.outputBytes.Add(float64(n))
}
