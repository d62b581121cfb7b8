// Package engine runs the per-job fetch and assembly loop: it resolves which
// chapters to fetch (resuming from a partial artifact when possible), drives
// the fetch/format cycle in ascending index order, paces requests and retries
// a chapter after a challenge has been resolved.
package engine
