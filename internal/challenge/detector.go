// Package challenge recognises anti-automation pages returned in place of
// book content.
package challenge

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/fetcher"
)

// DefaultMarkers are body fragments that identify a verification page.
var DefaultMarkers = []string{
	"验证码",
	"captcha",
	"cf-challenge",
	"challenge-platform",
	"verify you are human",
}

// DefaultStatusCodes are statuses the site answers with while a challenge is
// pending.
var DefaultStatusCodes = []int{http.StatusForbidden, http.StatusTooManyRequests}

// Detector matches responses against configured markers and status codes.
type Detector struct {
	markers  [][]byte
	statuses map[int]struct{}
}

// New builds a Detector. Empty inputs select the defaults.
func New(markers []string, statusCodes []int) *Detector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	if len(statusCodes) == 0 {
		statusCodes = DefaultStatusCodes
	}
	d := &Detector{statuses: make(map[int]struct{}, len(statusCodes))}
	for _, m := range markers {
		m = strings.TrimSpace(strings.ToLower(m))
		if m != "" {
			d.markers = append(d.markers, []byte(m))
		}
	}
	for _, code := range statusCodes {
		d.statuses[code] = struct{}{}
	}
	return d
}

// Status reports a challenge when resp carries one of the challenge status
// codes.
func (d *Detector) Status(resp fetcher.Response) error {
	if _, ok := d.statuses[resp.StatusCode]; ok {
		return &book.ChallengeError{URL: resp.URL, Reason: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Body reports a challenge when the body contains a marker. Markers also
// occur in ordinary prose and injected scripts, so callers consult Body only
// for pages that lack the content they expected.
func (d *Detector) Body(resp fetcher.Response) error {
	if len(resp.Body) == 0 {
		return nil
	}
	lower := bytes.ToLower(resp.Body)
	for _, m := range d.markers {
		if bytes.Contains(lower, m) {
			return &book.ChallengeError{URL: resp.URL, Reason: "marker " + string(m)}
		}
	}
	return nil
}
