// Package api hosts the HTTP control surface for the scheduler. Notable routes:
//   - GET /healthz for liveness probes and GET /metrics for Prometheus.
//   - /v1/jobs for adding, listing and controlling individual jobs.
//   - /v1/queue for bulk start, pause, cancel and the concurrency limit.
//   - /v1/challenge for inspecting and resolving an anti-automation stop.
//   - POST /v1/batches to expand a listing into jobs.
//   - GET /v1/events to page through recent scheduler notifications.
package api
