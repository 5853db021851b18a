package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the mq package.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
	ChannelRecoveries *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	MessagesRequeued  *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	ActiveConsumers   prometheus.Gauge
}

// NewMQMetrics creates MQ metrics and registers them with the global registry.
func NewMQMetrics(namespace string) *MQMetrics {
	return NewMQMetricsWith(namespace, Registry)
}

// NewMQMetricsWith creates MQ metrics and registers them with reg.
func NewMQMetricsWith(namespace string, reg prometheus.Registerer) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to RabbitMQ",
			},
			[]string{"exchange"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"exchange", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ChannelRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "channel_recoveries_total",
				Help:      "Total number of channels reopened after a channel-level fault",
			},
			[]string{"operation"},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_consumed_total",
				Help:      "Total number of messages handled and acknowledged",
			},
			[]string{"queue"},
		),
		MessagesRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_requeued_total",
				Help:      "Total number of messages negatively acknowledged with requeue",
			},
			[]string{"queue"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "handler_duration_seconds",
				Help:      "Duration of consumer handler invocations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "active_consumers",
				Help:      "Number of active consumer registrations",
			},
		),
	}

	reg.MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.ConnectionStatus,
		m.ChannelRecoveries,
		m.MessagesConsumed,
		m.MessagesRequeued,
		m.HandlerDuration,
		m.ActiveConsumers,
	)

	return m
}
