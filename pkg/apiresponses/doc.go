// Package apiresponses provides the standardized JSON error and success
// responses shared by the audit HTTP handlers and middleware.
package apiresponses
