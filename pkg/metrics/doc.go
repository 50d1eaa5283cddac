// Package metrics defines Prometheus metrics for the audit trail, covering
// change capture, batch correlation, delivery to the local log and the
// message-stream broker, and sink health.
package metrics
