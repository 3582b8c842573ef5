package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for process execution, all under
// the "pythmata" namespace:
//
//   - instances_started_total (counter, label: definition_id)
//   - instances_completed_total (counter, label: definition_id)
//   - instances_errored_total (counter, label: definition_id)
//   - node_executions_total (counter, labels: node_kind, status)
//   - node_execution_seconds (histogram, label: node_kind)
//   - active_tokens (gauge)
//   - timer_fires_total (counter, label: definition_id)
//
// Expose via promhttp on the registry passed to NewMetrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := engine.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	instancesStarted   *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	instancesErrored   *prometheus.CounterVec
	nodeExecutions     *prometheus.CounterVec
	nodeLatency        *prometheus.HistogramVec
	activeTokens       prometheus.Gauge
	timerFires         *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on the given registerer
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		instancesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pythmata",
			Name:      "instances_started_total",
			Help:      "Process instances created.",
		}, []string{"definition_id"}),
		instancesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pythmata",
			Name:      "instances_completed_total",
			Help:      "Process instances that reached COMPLETED.",
		}, []string{"definition_id"}),
		instancesErrored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pythmata",
			Name:      "instances_errored_total",
			Help:      "Process instances that entered ERROR.",
		}, []string{"definition_id"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pythmata",
			Name:      "node_executions_total",
			Help:      "Node executor dispatches by kind and outcome.",
		}, []string{"node_kind", "status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pythmata",
			Name:      "node_execution_seconds",
			Help:      "Node executor latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"node_kind"}),
		activeTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pythmata",
			Name:      "active_tokens",
			Help:      "Tokens currently in ACTIVE state across instances.",
		}),
		timerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pythmata",
			Name:      "timer_fires_total",
			Help:      "Timer start events fired by the scheduler.",
		}, []string{"definition_id"}),
	}
}

func (m *Metrics) instanceStarted(definitionID string) {
	if m != nil {
		m.instancesStarted.WithLabelValues(definitionID).Inc()
	}
}

func (m *Metrics) instanceCompleted(definitionID string) {
	if m != nil {
		m.instancesCompleted.WithLabelValues(definitionID).Inc()
	}
}

func (m *Metrics) instanceErrored(definitionID string) {
	if m != nil {
		m.instancesErrored.WithLabelValues(definitionID).Inc()
	}
}

func (m *Metrics) nodeExecuted(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.nodeExecutions.WithLabelValues(kind, status).Inc()
	m.nodeLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) setActiveTokens(n int) {
	if m != nil {
		m.activeTokens.Set(float64(n))
	}
}

// TimerFired records one scheduler timer fire.
func (m *Metrics) TimerFired(definitionID string) {
	if m != nil {
		m.timerFires.WithLabelValues(definitionID).Inc()
	}
}
