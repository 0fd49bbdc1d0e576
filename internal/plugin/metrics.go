package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CompilationsTotal *prometheus.CounterVec
	CompileDuration   prometheus.Histogram
	CompileCacheTotal *prometheus.CounterVec
	LifecycleEvents   *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	LoadedPlugins     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompilationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugrt_compilations_total",
				Help: "Total number of plugin compilations",
			},
			[]string{"status"},
		),
		CompileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugrt_compile_duration_seconds",
				Help:    "Plugin compilation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		CompileCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugrt_compile_cache_total",
				Help: "Compile cache lookups by result",
			},
			[]string{"result"},
		),
		LifecycleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugrt_lifecycle_events_total",
				Help: "Plugin lifecycle events by type",
			},
			[]string{"event"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugrt_executions_total",
				Help: "Total number of plugin executions",
			},
			[]string{"plugin", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugrt_execution_duration_seconds",
				Help:    "Plugin execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		LoadedPlugins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugrt_loaded_plugins",
				Help: "Number of currently loaded plugins",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CompilationsTotal,
			m.CompileDuration,
			m.CompileCacheTotal,
			m.LifecycleEvents,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.LoadedPlugins,
		)
	}

	return m
}

func (m *Metrics) observeCompile(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CompilationsTotal.WithLabelValues(status).Inc()
	m.CompileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) cacheResult(result string) {
	if m == nil {
		return
	}
	m.CompileCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) lifecycle(t EventType) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeExecution(plugin, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(plugin, status).Inc()
	m.ExecutionDuration.WithLabelValues(plugin).Observe(elapsed.Seconds())
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.LoadedPlugins.Set(float64(n))
}
