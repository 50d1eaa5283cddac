// Package ratelimit provides token-bucket rate limiting middleware for the
// manual audit endpoints, keyed by authenticated actor or client IP, with
// automatic stale-entry cleanup.
package ratelimit
