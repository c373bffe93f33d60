package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus instruments for the watcher.
type Metrics struct {
	registry          *prometheus.Registry
	trackedContainers prometheus.Gauge
	ruleOperations    *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// NewMetrics constructs a Metrics instance with an isolated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	trackedContainers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanfence",
		Name:      "tracked_containers",
		Help:      "Number of containers with rule sets currently installed.",
	})

	ruleOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanfence",
		Name:      "rule_operations_total",
		Help:      "Total number of rule set operations by kind.",
	}, []string{"op"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanfence",
		Name:      "errors_total",
		Help:      "Total number of watcher errors by type.",
	}, []string{"type"})

	registry.MustRegister(trackedContainers, ruleOperations, errorsTotal)

	return &Metrics{
		registry:          registry,
		trackedContainers: trackedContainers,
		ruleOperations:    ruleOperations,
		errorsTotal:       errorsTotal,
	}
}

// SetTrackedContainers updates the tracked-container gauge.
func (m *Metrics) SetTrackedContainers(count int) {
	m.trackedContainers.Set(float64(count))
}

// IncRuleOperation increments the rule-operation counter for the provided kind.
func (m *Metrics) IncRuleOperation(op string) {
	m.ruleOperations.WithLabelValues(op).Inc()
}

// IncError increments the error counter for the provided type label.
func (m *Metrics) IncError(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

// Handler exposes the Prometheus scrape handler bound to the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
