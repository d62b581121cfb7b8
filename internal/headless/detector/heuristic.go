// Package detector decides when a page fetched over plain HTTP must be
// rendered again in a headless browser before it can be parsed.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/novelfetch/internal/fetcher"
)

// Heuristic promotes pages that look script-rendered: an empty body, a known
// single-page-app mount point, a configured marker, or a small document that
// is mostly script.
type Heuristic struct {
	BodyLengthThreshold int
	// Markers are extra byte patterns that force promotion, such as a
	// placeholder the site shows until its reader script runs.
	Markers [][]byte
}

const defaultBodyLengthThreshold = 2048

// NewHeuristic creates a detector. A zero threshold selects the default.
func NewHeuristic(threshold int, markers ...string) *Heuristic {
	if threshold == 0 {
		threshold = defaultBodyLengthThreshold
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range markers {
		if m != "" {
			h.Markers = append(h.Markers, []byte(m))
		}
	}
	return h
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether a headless fetch is required. Only 200
// responses are considered; error pages go to challenge detection instead.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	for _, marker := range h.Markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// An unterminated tag covers the rest of the document.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag, closeTag := []byte("<script"), []byte("</script>")

	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len(closeTag)
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / total
}
