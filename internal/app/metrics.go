package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// runtimeMetrics owns a private registry; nothing is registered on the
// default one.
type runtimeMetrics struct {
	registry *prometheus.Registry

	operations          *prometheus.CounterVec
	mutated             *prometheus.CounterVec
	duration            *prometheus.HistogramVec
	configReloads       *prometheus.CounterVec
	tracingExportErrors prometheus.Counter
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbinspect_operations_total",
			Help: "Inspector operations by name and outcome.",
		}, []string{"op", "outcome"}),
		mutated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbinspect_messages_mutated_total",
			Help: "Messages removed, moved or rescheduled by inspector operations.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbinspect_operation_duration_seconds",
			Help:    "Inspector operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbinspect_config_reloads_total",
			Help: "Config reload attempts by result.",
		}, []string{"result"}),
		tracingExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbinspect_tracing_export_errors_total",
			Help: "Errors reported by the trace exporter.",
		}),
	}
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sbinspect_build_info",
		Help: "Build metadata; the value is always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version, commit).Set(1)

	m.registry.MustRegister(
		m.operations,
		m.mutated,
		m.duration,
		m.configReloads,
		m.tracingExportErrors,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// observe matches inspect.Service.Observe.
func (m *runtimeMetrics) observe(op, outcome string, mutated int, elapsed time.Duration) {
	m.operations.WithLabelValues(op, outcome).Inc()
	if mutated > 0 {
		m.mutated.WithLabelValues(op).Add(float64(mutated))
	}
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *runtimeMetrics) observeReload(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// trackOperations exports running as a gauge read at scrape time.
func (m *runtimeMetrics) trackOperations(running func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sbinspect_background_operations_running",
		Help: "Background bulk operations currently running.",
	}, func() float64 { return float64(running()) }))
}

func (m *runtimeMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
