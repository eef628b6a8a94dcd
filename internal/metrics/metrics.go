package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/ahrdadan/callrepro/internal/diag"
)

const namespace = "callrepro"

// Run outcomes
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// Metrics holds the server's collectors on their own registry
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	diagnostics *prometheus.CounterVec
	duration    prometheus.Histogram
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Repro runs by outcome.",
		}, []string{"outcome"}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Console messages and page errors captured during runs.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a repro run including browser startup and the settle wait.",
			Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 90, 120, 180},
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.diagnostics,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records a completed run
func (m *Metrics) ObserveRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome != OutcomeCanceled {
		m.duration.Observe(elapsed.Seconds())
	}
}

// ObserveDiagnostic counts a captured message
func (m *Metrics) ObserveDiagnostic(msg diag.Message) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(string(msg.Kind)).Inc()
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}
