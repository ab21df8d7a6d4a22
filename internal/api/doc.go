// Package api exposes the HTTP interface for the scan runner service:
// scan submission, status and result retrieval, cancellation, and the
// operational endpoints (health, readiness, metrics).
package api
