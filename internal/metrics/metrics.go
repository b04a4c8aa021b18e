// Package metrics exposes sync engine counters and gauges in the Prometheus
// exposition format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultsync"

// Metrics holds the collectors of one engine. Each instance owns its own
// registry so several engines (or tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	syncs          *prometheus.CounterVec
	failures       *prometheus.CounterVec
	chunksPushed   prometheus.Counter
	repairSteps    *prometheus.CounterVec
	dirtyFiles     prometheus.Gauge
	pendingChunks  prometheus.Gauge
	lastSuccess    prometheus.Gauge
	backoffSeconds prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Failed sync cycles by error class.",
		}, []string{"class"}),
		chunksPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_pushed_total",
			Help:      "Batch chunks pushed to the remote.",
		}),
		repairSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_steps_total",
			Help:      "Repair steps by name and status.",
		}, []string{"step", "status"}),
		dirtyFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dirty_files",
			Help:      "Files with uncommitted changes at the last poll.",
		}),
		pendingChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chunks",
			Help:      "Chunks of the stored batch not yet pushed.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync cycle.",
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Current retry delay after a failed sync, zero when healthy.",
		}),
	}

	m.registry.MustRegister(
		m.syncs,
		m.failures,
		m.chunksPushed,
		m.repairSteps,
		m.dirtyFiles,
		m.pendingChunks,
		m.lastSuccess,
		m.backoffSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SyncSucceeded records a successful cycle that pushed chunks.
func (m *Metrics) SyncSucceeded(at time.Time, chunks int) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues("success").Inc()
	m.chunksPushed.Add(float64(chunks))
	m.lastSuccess.Set(float64(at.Unix()))
	m.backoffSeconds.Set(0)
}

// SyncFailed records a failed cycle of the given error class.
func (m *Metrics) SyncFailed(class string, backoff time.Duration) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues("failure").Inc()
	m.failures.WithLabelValues(class).Inc()
	m.backoffSeconds.Set(backoff.Seconds())
}

// RepairStep records the outcome of one repair step.
func (m *Metrics) RepairStep(step, status string) {
	if m == nil {
		return
	}
	m.repairSteps.WithLabelValues(step, status).Inc()
}

// Observe updates the work tree gauges.
func (m *Metrics) Observe(dirtyFiles, pendingChunks int) {
	if m == nil {
		return
	}
	m.dirtyFiles.Set(float64(dirtyFiles))
	m.pendingChunks.Set(float64(pendingChunks))
}
