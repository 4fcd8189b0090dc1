package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a server updates.
type Metrics struct {
	activeSessions    prometheus.Gauge
	writeWorkers      prometheus.Gauge
	negotiations      *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	messagesReceived  prometheus.Counter
	messagesSent      prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	fragmentsSent     prometheus.Counter
	droppedMessages   *prometheus.CounterVec
	extensionFailures *prometheus.CounterVec
	tickDuration      prometheus.Histogram
}

// NewMetrics registers the server collectors with reg under namespace. A nil
// reg uses a private registry, which keeps tests and multiple servers in
// one process from colliding.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "boltnet"
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions in the active set",
		}),
		writeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_workers",
			Help:      "Number of running write workers",
		}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Connection attempts by outcome",
		}, []string{"outcome"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Sessions that left, by disconnect reason",
		}, []string{"reason"}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from clients",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages written to clients",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Frame bytes read from clients",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Frame bytes written to clients",
		}),
		fragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Partial message frames written to clients",
		}),
		droppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped, by direction and cause",
		}, []string{"direction", "cause"}),
		extensionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_failures_total",
			Help:      "Extension hooks that returned an error or panicked",
		}, []string{"extension", "hook"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of ProcessAllEvents",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) extensionFailed(extension, hook string) {
	m.extensionFailures.WithLabelValues(extension, hook).Inc()
}

func (m *Metrics) dropped(direction, cause string) {
	m.droppedMessages.WithLabelValues(direction, cause).Inc()
}
