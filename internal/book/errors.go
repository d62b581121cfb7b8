package book

import (
	"errors"
	"fmt"
)

var (
	// ErrChallenge marks an anti-automation response returned instead of content.
	ErrChallenge = errors.New("challenge detected")
	// ErrUserStopped is raised at a worker checkpoint after a stop request.
	ErrUserStopped = errors.New("user stopped")
)

// ChallengeError records the locator that produced a challenge response.
type ChallengeError struct {
	URL    string
	Reason string
}

func (e *ChallengeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("challenge detected at %s", e.URL)
	}
	return fmt.Sprintf("challenge detected at %s: %s", e.URL, e.Reason)
}

// Is lets errors.Is(err, ErrChallenge) match.
func (e *ChallengeError) Is(target error) bool {
	return target == ErrChallenge
}

// ChallengeURL extracts the locator from a challenge error, if any.
func ChallengeURL(err error) (string, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce.URL, true
	}
	return "", false
}

// FetchError is a transient failure to fetch one chapter.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ResourceError is a fatal failure to create or open the destination.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}
