package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// Stage denotes the kind of notification represented by an Event.
type Stage string

// Supported notification stages.
const (
	StageJobAdded        Stage = "JOB_ADDED"
	StageJobProgress     Stage = "JOB_PROGRESS"
	StageJobStatus       Stage = "JOB_STATUS"
	StageJobFinished     Stage = "JOB_FINISHED"
	StageJobRemoved      Stage = "JOB_REMOVED"
	StageJobRetitled     Stage = "JOB_RETITLED"
	StageChallengeNeeded Stage = "CHALLENGE_NEEDED"
)

// Event is one scheduler notification.
type Event struct {
	// JobID identifies the job the notification concerns.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which notification this is.
	Stage Stage `json:"stage"`
	// Title is set on added, finished and retitled events.
	Title string `json:"title,omitempty"`
	// Status is set on status events.
	Status book.JobStatus `json:"status,omitempty"`
	// Current and Total carry chapter progress; both zero means message only.
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
	// Message is free-form status text.
	Message string `json:"message,omitempty"`
	// Path is the artifact path on finished events.
	Path string `json:"path,omitempty"`
	// URL is the challenged locator on challenge events.
	URL string `json:"url,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobAdded, StageJobProgress, StageJobRemoved, StageJobRetitled:
	case StageJobStatus:
		if e.Status == "" {
			return errors.New("status event requires status")
		}
	case StageJobFinished:
		if e.Path == "" {
			return errors.New("finished event requires path")
		}
	case StageChallengeNeeded:
		if e.URL == "" {
			return errors.New("challenge event requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Current < 0 || e.Total < 0 {
		return errors.New("progress must be >= 0")
	}
	return nil
}

// Sentinel reports whether the event carries status text only.
func (e Event) Sentinel() bool {
	return e.Stage == StageJobProgress && e.Current == 0 && e.Total == 0
}
