// Package progress carries scheduler notifications to subscribers. The
// scheduler emits Events through a non-blocking Hub, which batches them on a
// background goroutine and fans them out to pluggable sinks such as
// structured logs, Prometheus metrics, an in-memory feed for the HTTP API,
// the artifact mirror, or a Pub/Sub topic.
package progress
