// Package config loads the audit trail configuration from a YAML file with
// environment overrides: the API server, the delivery pipeline (local log,
// broker, async queue, circuit breaker, webhooks), declared models and tracing.
package config
