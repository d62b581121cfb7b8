// Package fetcher defines the raw page acquisition contract shared by the
// HTTP and headless implementations.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single page fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the raw result of a fetch.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a completed exchange with a non-success status. The
// accompanying Response still carries the body so callers can inspect it.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// StatusCode extracts the HTTP status from err, or zero.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
