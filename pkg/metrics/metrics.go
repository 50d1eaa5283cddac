package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capture layer
	AuditEventsCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_captured_total",
		Help: "Total number of mutation events produced by the change capture hooks",
	}, []string{"action"})
	AuditCaptureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_capture_failures_total",
		Help: "Total number of capture hook invocations that failed and were swallowed",
	}, []string{"hook"})
	AuditCascadeSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_cascade_suppressed_total",
		Help: "Total number of cascade-deleted children whose delete event was suppressed",
	})
	AuditRedirectedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_redirected_events_total",
		Help: "Total number of dependent-entity mutations logged against their redirect target",
	}, []string{"source", "target"})

	// Batch correlation
	AuditBatchesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_batches_started_total",
		Help: "Total number of batch scopes opened",
	}, []string{"action"})
	AuditBatchSummaries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_batch_summaries_total",
		Help: "Total number of batch summary events emitted (batches that recorded errors)",
	}, []string{"action"})

	// Delivery pipeline
	AuditEventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_delivered_total",
		Help: "Total number of events handed to the delivery pipeline",
	}, []string{"action"})
	AuditLocalWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_local_writes_total",
		Help: "Total number of local audit log writes by result",
	}, []string{"result"})
	AuditBrokerSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_broker_skipped_total",
		Help: "Total number of events not published because broker delivery is disabled",
	})
	AuditBrokerPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_broker_publishes_total",
		Help: "Total number of broker publish attempts by sink and result",
	}, []string{"sink", "result"})
	AuditStreamEnsured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_stream_ensure_total",
		Help: "Total number of stream/topic existence checks by sink and result",
	}, []string{"sink", "result"})

	// Sinks
	AuditSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_sink_errors_total",
		Help: "Total number of audit sink errors by sink and error type",
	}, []string{"sink", "error_type"})
	AuditSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_sink_write_duration_seconds",
		Help:    "Latency of audit sink writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
	AuditSinkConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_sink_connected",
		Help: "Whether the audit sink is believed to be connected (1) or not (0)",
	}, []string{"sink"})
	AuditKafkaMessagesInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_kafka_messages_in_flight",
		Help: "Number of audit messages currently being written to Kafka",
	}, []string{"sink"})
	AuditEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Total number of audit events dropped by queued sinks",
	}, []string{"sink", "reason"})
	AuditEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_processed_total",
		Help: "Total number of audit events written by queued sink workers",
	}, []string{"sink"})
	AuditCircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_circuit_breaker_state",
		Help: "Circuit breaker state per sink (0=closed, 1=open, 2=half-open)",
	}, []string{"sink"})
	AuditCircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_circuit_breaker_rejections_total",
		Help: "Total number of writes rejected because the circuit was open",
	}, []string{"sink"})
	AuditConfigReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_config_reloads_total",
		Help: "Total number of audit pipeline (re)configurations by result",
	}, []string{"result"})

	// HTTP surface
	APIManualEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_api_manual_events_total",
		Help: "Total number of events logged through the manual endpoint by action and result",
	}, []string{"action", "result"})
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_api_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter by route",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(AuditEventsCaptured)
	prometheus.MustRegister(AuditCaptureFailures)
	prometheus.MustRegister(AuditCascadeSuppressed)
	prometheus.MustRegister(AuditRedirectedEvents)
	prometheus.MustRegister(AuditBatchesStarted)
	prometheus.MustRegister(AuditBatchSummaries)
	prometheus.MustRegister(AuditEventsDelivered)
	prometheus.MustRegister(AuditLocalWrites)
	prometheus.MustRegister(AuditBrokerSkipped)
	prometheus.MustRegister(AuditBrokerPublishes)
	prometheus.MustRegister(AuditStreamEnsured)
	prometheus.MustRegister(AuditSinkErrors)
	prometheus.MustRegister(AuditSinkLatency)
	prometheus.MustRegister(AuditSinkConnected)
	prometheus.MustRegister(AuditKafkaMessagesInFlight)
	prometheus.MustRegister(AuditEventsDropped)
	prometheus.MustRegister(AuditEventsProcessed)
	prometheus.MustRegister(AuditCircuitBreakerState)
	prometheus.MustRegister(AuditCircuitBreakerRejections)
	prometheus.MustRegister(AuditConfigReloads)
	prometheus.MustRegister(APIManualEvents)
	prometheus.MustRegister(APIRateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
