package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the scheduled trade producer.
type ProducerMetrics struct {
	TradesGenerated    *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	ScheduledRuns      prometheus.Counter
	ActiveProducers    prometheus.Gauge
}

// NewProducerMetrics creates producer metrics and registers them with the global registry.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	return NewProducerMetricsWith(namespace, Registry)
}

// NewProducerMetricsWith creates producer metrics and registers them with reg.
func NewProducerMetricsWith(namespace string, reg prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		TradesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "trades_generated_total",
				Help:      "Total number of trade events generated and published",
			},
			[]string{"exchange"},
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "generation_failures_total",
				Help:      "Total number of failed trade generations",
			},
			[]string{"reason"},
		),
		ScheduledRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "scheduled_runs_total",
				Help:      "Total number of scheduled publish runs",
			},
		),
		ActiveProducers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "active_producers",
				Help:      "Number of active producer schedules",
			},
		),
	}

	reg.MustRegister(
		m.TradesGenerated,
		m.GenerationFailures,
		m.ScheduledRuns,
		m.ActiveProducers,
	)

	return m
}
