package scheduler

import "errors"

var (
	// ErrInvalidParameters wraps a JobParameters validation failure.
	ErrInvalidParameters = errors.New("invalid job parameters")
	// ErrDuplicateTarget rejects a job whose output target is already claimed
	// by a job that has not reached a terminal status.
	ErrDuplicateTarget = errors.New("duplicate output target")
	// ErrChallengeActive rejects a start while a challenge awaits resolution.
	ErrChallengeActive = errors.New("challenge active")
	// ErrInvalidConcurrency rejects a concurrency limit below one.
	ErrInvalidConcurrency = errors.New("max concurrency must be >= 1")
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler closed")
)
