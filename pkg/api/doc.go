// Package api implements the audit HTTP surface (Gin-based): the request
// context middleware that makes the caller and its request visible to the
// capture hooks, the manual event endpoint, sink health, the kill switch,
// translated registry metadata, health checks and Prometheus metrics.
package api
