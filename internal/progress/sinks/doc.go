// Package sinks implements progress consumers: structured logging,
// Prometheus task metrics and the task history archive.
package sinks
