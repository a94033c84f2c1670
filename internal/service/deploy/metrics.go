package deploy

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline and poller outcomes. A nil *Metrics records nothing.
type Metrics struct {
	started       prometheus.Counter
	failures      *prometheus.CounterVec
	bindings      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	pollAttempts  prometheus.Counter
	activePollers prometheus.Gauge
}

// NewMetrics builds the pipeline collectors and registers them with reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "deployments_started_total",
			Help:      "Deployments that passed validation and were recorded",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Pipeline failures by step",
		}, []string{"step"}),
		bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "hosting_bindings_total",
			Help:      "Hosting project creations by repository binding outcome",
		}, []string{"outcome"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "poller",
			Name:      "outcomes_total",
			Help:      "Final statuses written by the background poller",
		}, []string{"status"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Hosting status fetches issued by the background poller",
		}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "launchpad",
			Subsystem: "poller",
			Name:      "active",
			Help:      "Background pollers currently running",
		}),
	}
	if reg == nil {
		return m
	}
	m.started = register(reg, m.started)
	m.failures = register(reg, m.failures)
	m.bindings = register(reg, m.bindings)
	m.outcomes = register(reg, m.outcomes)
	m.pollAttempts = register(reg, m.pollAttempts)
	m.activePollers = register(reg, m.activePollers)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) deploymentStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) pipelineFailed(step string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(step).Inc()
}

func (m *Metrics) hostingBound(outcome BindingOutcome) {
	if m == nil {
		return
	}
	m.bindings.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) pollFinished(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) pollAttempted() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

func (m *Metrics) pollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

func (m *Metrics) pollerStopped() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}
