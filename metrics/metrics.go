// Package metrics exposes Prometheus collectors for runs, steps, verdicts
// and language-model calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ui_verdict"

// Metrics holds every collector of the engine.
type Metrics struct {
	runsActive      prometheus.Gauge
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	verdicts        *prometheus.CounterVec
	llmCalls        *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	subprocessExits *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry, which
// is what tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Number of runs currently executing.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"backend", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a run including the verdict.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "total",
			Help:      "Script steps by action and final status.",
		}, []string{"action", "status"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verdict",
			Name:      "total",
			Help:      "Verdicts produced by mode and outcome.",
		}, []string{"mode", "verdict"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Language-model calls by provider, kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Latency of language-model calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "kind"}),
		subprocessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "subprocess_total",
			Help:      "Agent subprocess invocations by outcome.",
		}, []string{"outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.runsActive,
		m.runsFinished,
		m.runDuration,
		m.steps,
		m.verdicts,
		m.llmCalls,
		m.llmDuration,
		m.subprocessExits,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(backend, status).Inc()
	m.runDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveStep records a sealed step.
func (m *Metrics) ObserveStep(action, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(action, status).Inc()
}

// ObserveVerdict records a verdict.
func (m *Metrics) ObserveVerdict(mode, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(mode, verdict).Inc()
}

// ObserveLLMCall records one language-model call.
func (m *Metrics) ObserveLLMCall(provider, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.WithLabelValues(provider, kind, outcome).Inc()
	m.llmDuration.WithLabelValues(provider, kind).Observe(d.Seconds())
}

// ObserveSubprocess records how an agent subprocess ended
// (ok, timeout, no_result, protocol, launch).
func (m *Metrics) ObserveSubprocess(outcome string) {
	if m == nil {
		return
	}
	m.subprocessExits.WithLabelValues(outcome).Inc()
}
