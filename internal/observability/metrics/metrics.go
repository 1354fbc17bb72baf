// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meeting_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
	WebhookRejected    *prometheus.CounterVec

	// Fragment metrics
	FragmentsTotal   *prometheus.CounterVec
	FragmentsDropped *prometheus.CounterVec

	// Intervention metrics
	InterventionsOpened    prometheus.Counter
	InterventionsFinalized *prometheus.CounterVec
	InterventionsOpen      prometheus.Gauge
	InterventionDuration   prometheus.Histogram

	// Routing metrics
	DeliveriesTotal   *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge

	// Lifecycle metrics
	StatusChanges *prometheus.CounterVec

	// Persistence metrics
	PersistenceErrors *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Automation metrics
	AutomationSends *prometheus.CounterVec

	// gRPC stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamDuration prometheus.Histogram
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Webhook metrics
		WebhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of provider webhook events accepted",
		}, []string{"event"}),
		WebhookRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Total number of provider webhook events rejected",
		}, []string{"reason"}),

		// Fragment metrics
		FragmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Total number of normalized transcript fragments",
		}, []string{"provider", "kind"}),
		FragmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Total number of transcript fragments dropped",
		}, []string{"reason"}),

		// Intervention metrics
		InterventionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_opened_total",
			Help:      "Total number of interventions opened",
		}),
		InterventionsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_finalized_total",
			Help:      "Total number of interventions finalized",
		}, []string{"reason"}),
		InterventionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interventions_open",
			Help:      "Number of currently open interventions",
		}),
		InterventionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "intervention_duration_seconds",
			Help:      "Time between the first and last fragment of an intervention",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Routing metrics
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of events delivered to clients",
		}, []string{"mode"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live client connections",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of bot sessions in the routing table",
		}),

		// Lifecycle metrics
		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Total number of bot status changes applied",
		}, []string{"status"}),

		// Persistence metrics
		PersistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Total number of swallowed persistence errors",
		}, []string{"operation"}),

		// Kafka publish metrics
		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Automation metrics
		AutomationSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_sends_total",
			Help:      "Total number of transcripts sent to the automation webhook",
		}, []string{"outcome"}),

		// gRPC stream metrics
		StreamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_total",
			Help:      "Total number of gRPC streams started",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Number of currently active gRPC streams",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_stream_duration_seconds",
			Help:      "Duration of gRPC streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// RecordWebhookEvent records an accepted webhook event.
func (m *Metrics) RecordWebhookEvent(event string) {
	m.WebhookEventsTotal.WithLabelValues(event).Inc()
}

// RecordWebhookRejected records a rejected webhook event.
func (m *Metrics) RecordWebhookRejected(reason string) {
	m.WebhookRejected.WithLabelValues(reason).Inc()
}

// RecordFragment records a normalized fragment.
func (m *Metrics) RecordFragment(provider string, partial bool) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.FragmentsTotal.WithLabelValues(provider, kind).Inc()
}

// RecordFragmentDropped records a fragment that never reached an intervention.
func (m *Metrics) RecordFragmentDropped(reason string) {
	m.FragmentsDropped.WithLabelValues(reason).Inc()
}

// RecordInterventionOpened records a new open intervention.
func (m *Metrics) RecordInterventionOpened() {
	m.InterventionsOpened.Inc()
	m.InterventionsOpen.Inc()
}

// RecordInterventionFinalized records a finalized intervention.
func (m *Metrics) RecordInterventionFinalized(reason string, durationSeconds float64) {
	m.InterventionsOpen.Dec()
	m.InterventionsFinalized.WithLabelValues(reason).Inc()
	m.InterventionDuration.Observe(durationSeconds)
}

// RecordDelivery records how an event reached clients (direct, broadcast, dropped).
func (m *Metrics) RecordDelivery(mode string) {
	m.DeliveriesTotal.WithLabelValues(mode).Inc()
}

// SetConnectionsActive sets the live connection gauge.
func (m *Metrics) SetConnectionsActive(n int) {
	m.ConnectionsActive.Set(float64(n))
}

// SetSessionsActive sets the routing table size gauge.
func (m *Metrics) SetSessionsActive(n int) {
	m.SessionsActive.Set(float64(n))
}

// RecordStatusChange records an applied bot status.
func (m *Metrics) RecordStatusChange(status string) {
	m.StatusChanges.WithLabelValues(status).Inc()
}

// RecordPersistenceError records a persistence failure that was logged and swallowed.
func (m *Metrics) RecordPersistenceError(operation string) {
	m.PersistenceErrors.WithLabelValues(operation).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordAutomationSend records an automation webhook delivery.
func (m *Metrics) RecordAutomationSend(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.AutomationSends.WithLabelValues(outcome).Inc()
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
}
