// Package system provides the wall clock used to stamp job records.
package system

import (
	"time"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// Clock implements book.Clock using time.Now.
type Clock struct{}

var _ book.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to milliseconds so job
// timestamps round-trip through JSON unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
