// Package metrics exposes Prometheus counters for the web surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neurotutor"

// Metrics holds the application's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	GuardDecisions *prometheus.CounterVec
	Logins         *prometheus.CounterVec
	AnswerChecks   *prometheus.CounterVec
	ServiceErrors  *prometheus.CounterVec
	ActiveClients  prometheus.Gauge
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GuardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Route guard outcomes by route and decision.",
		}, []string{"route", "decision"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		AnswerChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_checks_total",
			Help:      "Local answer pre-checks by verdict.",
		}, []string{"verdict"}),
		ServiceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_errors_total",
			Help:      "Failed calls to the auth and exercise services by kind.",
		}, []string{"kind"}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Browser sessions held in memory.",
		}),
	}
	reg.MustRegister(
		m.GuardDecisions,
		m.Logins,
		m.AnswerChecks,
		m.ServiceErrors,
		m.ActiveClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Verdict labels a boolean answer check.
func Verdict(correct bool) string {
	if correct {
		return "correct"
	}
	return "incorrect"
}
