// Package metrics exposes Prometheus instrumentation for the WebDAV client,
// the disk cache and uploads. Each Metrics value owns its own registry so
// that tests and multiple processes never share global state.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/davbridge/internal/diskcache"
)

const namespace = "davbridge"

// Upload outcomes.
const (
	UploadSucceeded = "succeeded"
	UploadFailed    = "failed"
	UploadCanceled  = "canceled"
)

// Metrics implements webdav.RequestObserver and diskcache.Metrics.
type Metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	classify        *prometheus.CounterVec
	populatedBytes  prometheus.Counter
	populations     *prometheus.CounterVec
	sweptPending    prometheus.Counter
	sweptOrphans    prometheus.Counter
	uploads         *prometheus.CounterVec
	uploadedBytes   prometheus.Counter
}

// New creates a Metrics with a fresh registry. When withRuntime is set the
// Go runtime and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()

	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webdav_requests_total",
				Help:      "WebDAV requests by method and response status (0 for transport failures)",
			},
			[]string{"method", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webdav_request_duration_seconds",
				Help:      "Time until response headers arrived",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method"},
		),
		classify: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Disk cache classifications by result",
			},
			[]string{"result"},
		),
		populatedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_populated_bytes_total",
				Help:      "Bytes appended to cache blobs",
			},
		),
		populations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_populations_total",
				Help:      "Settled cache populations by outcome",
			},
			[]string{"outcome"},
		),
		sweptPending: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_swept_pending_total",
				Help:      "Pending records removed by cache sweeps",
			},
		),
		sweptOrphans: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_swept_orphans_total",
				Help:      "Unreferenced blobs removed by cache sweeps",
			},
		),
		uploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Settled uploads by outcome",
			},
			[]string{"outcome"},
		),
		uploadedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Bytes confirmed by successful uploads",
			},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveRequest records one completed WebDAV request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveClassify records a cache classification.
func (m *Metrics) ObserveClassify(r diskcache.Result) {
	m.classify.WithLabelValues(r.String()).Inc()
}

// AddPopulatedBytes counts bytes appended to a blob.
func (m *Metrics) AddPopulatedBytes(n int) {
	m.populatedBytes.Add(float64(n))
}

// ObservePopulation records a finished or aborted population.
func (m *Metrics) ObservePopulation(outcome string) {
	m.populations.WithLabelValues(outcome).Inc()
}

// ObserveSweep records what a sweep removed.
func (m *Metrics) ObserveSweep(pending, orphans int) {
	m.sweptPending.Add(float64(pending))
	m.sweptOrphans.Add(float64(orphans))
}

// ObserveUpload records a settled upload. bytes is only counted on success.
func (m *Metrics) ObserveUpload(outcome string, bytes int64) {
	m.uploads.WithLabelValues(outcome).Inc()

	if outcome == UploadSucceeded && bytes > 0 {
		m.uploadedBytes.Add(float64(bytes))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WriteTextfile writes the current values to path for the node exporter's
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("metrics: writing %s: %w", path, err)
	}

	return nil
}
