// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, an in-memory replay feed for HTTP and CLI
// subscribers, an artifact mirror and an event publisher. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
