package book

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a fetch job.
type JobStatus string

// Job status values owned by the scheduler.
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusFinished  JobStatus = "finished"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobKind distinguishes jobs added directly from jobs expanded from a listing.
type JobKind string

// Supported job kinds.
const (
	JobKindSingle     JobKind = "single"
	JobKindCollection JobKind = "collection"
)

// Format names an output representation.
type Format string

// Supported output formats.
const (
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatEPUB     Format = "epub"
)

// ParseFormat normalizes a user supplied format token.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatText, FormatMarkdown, FormatEPUB:
		return f, nil
	case "text":
		return FormatText, nil
	case "markdown":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown output format %q", raw)
	}
}

// Delay is the pacing spec applied between chapter fetches. Auto selects a
// randomized delay; otherwise Fixed is slept verbatim.
type Delay struct {
	Auto  bool
	Fixed time.Duration
}

// AutoDelay is the randomized pacing sentinel.
var AutoDelay = Delay{Auto: true}

// ParseDelay accepts "auto" or a number of seconds ("0", "1.5").
func ParseDelay(raw string) (Delay, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return AutoDelay, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(raw, "s"), 64)
	if err != nil {
		return Delay{}, fmt.Errorf("parse delay %q: %w", raw, err)
	}
	if secs < 0 {
		return Delay{}, fmt.Errorf("delay must be >= 0, got %q", raw)
	}
	return Delay{Fixed: time.Duration(secs * float64(time.Second))}, nil
}

// String renders the delay in the same form ParseDelay accepts.
func (d Delay) String() string {
	if d.Auto {
		return "auto"
	}
	return strconv.FormatFloat(d.Fixed.Seconds(), 'f', -1, 64)
}

// MarshalText implements encoding.TextMarshaler.
func (d Delay) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Delay) UnmarshalText(text []byte) error {
	parsed, err := ParseDelay(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// JobParameters captures the per-job knobs supplied by the caller.
type JobParameters struct {
	SourceURL string `json:"source_url" yaml:"source_url"`
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	Format    Format `json:"format" yaml:"format"`
	// ChapterIndices are 0-based descriptor indices. Nil defers to resume detection.
	ChapterIndices []int `json:"chapter_indices,omitempty" yaml:"chapter_indices"`
	SplitFiles     bool  `json:"split_files" yaml:"split_files"`
	Delay          Delay `json:"delay" yaml:"delay"`
	// ChapterLimit caps the number of chapters fetched; 0 means unlimited.
	ChapterLimit int    `json:"chapter_limit" yaml:"chapter_limit"`
	Title        string `json:"title,omitempty" yaml:"title"`
	// Descriptor may be supplied when the caller already resolved the book.
	Descriptor *Descriptor `json:"-" yaml:"-"`
}

// Validate performs coarse validation of caller supplied parameters.
func (p JobParameters) Validate() error {
	if strings.TrimSpace(p.SourceURL) == "" {
		return fmt.Errorf("source_url is required")
	}
	if strings.TrimSpace(p.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}
	if _, err := ParseFormat(string(p.Format)); err != nil {
		return err
	}
	if p.ChapterLimit < 0 {
		return fmt.Errorf("chapter_limit must be >= 0")
	}
	if p.Delay.Fixed < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	for _, idx := range p.ChapterIndices {
		if idx < 0 {
			return fmt.Errorf("chapter index %d must be >= 0", idx)
		}
	}
	return nil
}

// Job is the scheduler's record of one unit of work. Copies handed out by the
// scheduler are snapshots; mutating them has no effect.
type Job struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Title      string        `json:"title"`
	Params     JobParameters `json:"params"`
	Status     JobStatus     `json:"status"`
	Current    int           `json:"current"`
	Total      int           `json:"total"`
	Message    string        `json:"message,omitempty"`
	OutputPath string        `json:"output_path,omitempty"`
	Submitted  time.Time     `json:"submitted_at"`
	Updated    time.Time     `json:"updated_at"`
}

// Terminal reports whether the job no longer occupies a destination.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusFinished, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DisplayTitle returns the override, the resolved title, or the source locator.
func DisplayTitle(params JobParameters) string {
	if t := strings.TrimSpace(params.Title); t != "" {
		return t
	}
	if params.Descriptor != nil && params.Descriptor.Title != "" {
		return params.Descriptor.Title
	}
	return params.SourceURL
}

// ChapterRef is one entry of a descriptor's ordered chapter list.
type ChapterRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Descriptor is the resolved metadata and chapter list for one book.
type Descriptor struct {
	Title        string       `json:"title"`
	Author       string       `json:"author"`
	Introduction string       `json:"introduction,omitempty"`
	CoverURL     string       `json:"cover_url,omitempty"`
	Chapters     []ChapterRef `json:"chapters"`
}

// ListingEntry is one book found on a listing page.
type ListingEntry struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Category is one listing page advertised by a site index.
type Category struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
