package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the consumer service.
type BackendMetrics struct {
	MessagesHandled     *prometheus.CounterVec
	DBOperationsTotal   *prometheus.CounterVec
	DBOperationDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewBackendMetrics creates backend metrics and registers them with the global registry.
func NewBackendMetrics(namespace string) *BackendMetrics {
	return NewBackendMetricsWith(namespace, Registry)
}

// NewBackendMetricsWith creates backend metrics and registers them with reg.
func NewBackendMetricsWith(namespace string, reg prometheus.Registerer) *BackendMetrics {
	m := &BackendMetrics{
		MessagesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of messages handled by the consumer service",
			},
			[]string{"queue", "status"}, // status: success, error
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "journal_grpc",
				Name:      "requests_total",
				Help:      "Total number of journal gRPC requests",
			},
			[]string{"method", "status"},
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "journal_grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of journal gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	reg.MustRegister(
		m.MessagesHandled,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
	)

	return m
}
