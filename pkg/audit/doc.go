// Package audit holds the audit event model and its delivery path.
//
// An Event is stamped with a log id and UTC timestamp, serialized once and
// written to the local audit log before anything else. Unless broker delivery
// is disabled it is then published to a Kafka topic or a RabbitMQ stream,
// optionally fanned out to webhooks, behind a circuit breaker and an optional
// async queue.
package audit
