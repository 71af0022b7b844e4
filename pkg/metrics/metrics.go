// Package metrics exposes the broker's Prometheus instrumentation. All
// collectors live on a dedicated registry so tests can assert on values
// without global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the broker records into.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	AdmissionDenials   *prometheus.CounterVec
	SecurityViolations *prometheus.CounterVec
	KillSwitchTriggers prometheus.Counter
	CallbacksTotal     *prometheus.CounterVec

	ConcurrentExecutions prometheus.Gauge
	KillSwitchActive     prometheus.Gauge
	SystemMemoryPercent  prometheus.Gauge
	SystemCPUPercent     prometheus.Gauge

	ExecutionDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "script_executions_total",
			Help: "Executions by terminal status and trigger.",
		}, []string{"status", "trigger"}),
		AdmissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_denials_total",
			Help: "Execution requests refused before dispatch, by denial kind.",
		}, []string{"kind"}),
		SecurityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_violations_total",
			Help: "Policy violations observed, by violation type.",
		}, []string{"type"}),
		KillSwitchTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kill_switch_triggers_total",
			Help: "Times the global kill-switch tripped.",
		}),
		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "script_callbacks_total",
			Help: "Sandbox capability callbacks by namespace, method, and outcome.",
		}, []string{"namespace", "method", "outcome"}),
		ConcurrentExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concurrent_executions",
			Help: "Executions currently holding a concurrency slot.",
		}),
		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kill_switch_active",
			Help: "1 while the kill-switch is active.",
		}),
		SystemMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_usage_percent",
			Help: "Host memory utilisation sampled by the watchdog.",
		}),
		SystemCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Host CPU utilisation sampled by the watchdog.",
		}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "script_execution_duration_seconds",
			Help:    "Wall time of executions by terminal status.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.AdmissionDenials,
		m.SecurityViolations,
		m.KillSwitchTriggers,
		m.CallbacksTotal,
		m.ConcurrentExecutions,
		m.KillSwitchActive,
		m.SystemMemoryPercent,
		m.SystemCPUPercent,
		m.ExecutionDuration,
	)

	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
