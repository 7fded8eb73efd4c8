// Package api exposes the conductor's HTTP surface: liveness and
// readiness probes and the Prometheus metrics endpoint.
package api
