// Package metrics exports gateway state to Prometheus: instance statuses (as
// an orchestrator observer), delivery queue counters, cache statistics and
// HTTP request figures.
package metrics
