// Package main hosts the novelfetch executable.
//
// Architecture overview:
//   - Scheduler: internal/scheduler owns every job record. Jobs wait in FIFO order and are promoted while the
//     concurrency window has room. A challenge from any worker pauses the whole queue until an operator clears it.
//   - Workers: each running job gets one internal/worker goroutine driving internal/engine, which fetches the book
//     descriptor, then chapters in order, pacing between them and writing through an internal/format formatter.
//   - Fetch pipeline: internal/source parses pages fetched by the Colly fetcher, optionally promoted to a headless
//     Chromedp fetch, behind a per-host rate limiter and retry-go backoff.
//   - Fanout: scheduler notifications flow through the progress Hub to the event feed, Prometheus collectors, the
//     artifact mirror (local or GCS) and an optional Pub/Sub topic.
//
// Commands:
//   - serve: run the HTTP control API until SIGINT/SIGTERM. Editing max_concurrency in the config file applies live.
//   - get: download one or more books and exit when every job is terminal.
//   - batch: expand a ranking page into jobs and download them.
//   - categories: list the ranking pages advertised by the site.
//
// Configuration comes from a YAML file (--config) overridden by NOVELFETCH_* environment variables.
package main
