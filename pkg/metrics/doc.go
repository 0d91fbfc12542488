// Package metrics defines the Prometheus collectors exposed by worker
// processes. Metrics are package-level and registered at init; callers
// update them inline at the point where the measured event happens.
package metrics
