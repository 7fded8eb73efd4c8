// Package metrics exposes Prometheus metrics for the conductor.
//
// Package-level collectors are registered at init time and updated
// inline by the code paths they measure. Fleet gauges (node counts by
// provision state, allocations, online conductors) are refreshed from
// the store by a background Collector.
package metrics
