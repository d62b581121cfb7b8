// Package collection expands a listing page into one job per selected book
// and runs a best-effort pass that corrects each job's display title from the
// book's own descriptor.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/engine"
)

// ErrEmptySelection is returned when the requested range selects no books.
var ErrEmptySelection = errors.New("no books selected")

// Scheduler is the subset of the scheduler the resolver drives.
type Scheduler interface {
	AddDerived(params book.JobParameters, title string) (string, error)
	UpdateTitle(id, title string)
}

// Request selects books [Start, End] (1-based, inclusive) from ListingURL.
// Template supplies every other job parameter; its SourceURL, Title and
// ChapterIndices are ignored.
type Request struct {
	ListingURL string
	Start      int
	End        int
	Template   book.JobParameters
}

// Validate checks the range.
func (r Request) Validate() error {
	if r.ListingURL == "" {
		return fmt.Errorf("listing url is required")
	}
	if r.Start < 1 {
		return fmt.Errorf("start must be >= 1, got %d", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("end (%d) must be >= start (%d)", r.End, r.Start)
	}
	return nil
}

// Added pairs a created job with the listing entry it came from.
type Added struct {
	JobID string
	Entry book.ListingEntry
}

// Expansion reports the outcome of one Expand call.
type Expansion struct {
	Added []Added
	// Skipped holds entries the scheduler refused, keyed by URL.
	Skipped map[string]error
	// Corrected is closed once the title correction pass has finished.
	Corrected <-chan struct{}
}

// Config tunes the resolver.
type Config struct {
	// CorrectionInterval separates descriptor fetches in the title pass.
	CorrectionInterval time.Duration
	Pauser             engine.Pauser
}

const defaultCorrectionInterval = 500 * time.Millisecond

// Resolver expands listings into scheduler jobs.
type Resolver struct {
	lister book.Lister
	source book.Source
	sched  Scheduler
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResolver wires a Resolver.
func NewResolver(lister book.Lister, source book.Source, sched Scheduler, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CorrectionInterval <= 0 {
		cfg.CorrectionInterval = defaultCorrectionInterval
	}
	if cfg.Pauser == nil {
		cfg.Pauser = engine.TimerPauser{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		lister: lister,
		source: source,
		sched:  sched,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Expand fetches the listing, adds one job per selected entry and starts the
// background title pass. Entries past the end of the listing are ignored.
func (r *Resolver) Expand(ctx context.Context, req Request) (Expansion, error) {
	if err := req.Validate(); err != nil {
		return Expansion{}, err
	}
	entries, err := r.lister.Listing(ctx, req.ListingURL)
	if err != nil {
		return Expansion{}, fmt.Errorf("fetch listing: %w", err)
	}
	selected := Select(entries, req.Start, req.End)
	if len(selected) == 0 {
		return Expansion{}, fmt.Errorf("%w: range [%d, %d] of %d entries", ErrEmptySelection, req.Start, req.End, len(entries))
	}

	out := Expansion{Skipped: make(map[string]error)}
	for _, entry := range selected {
		params := req.Template
		params.SourceURL = entry.URL
		params.Title = ""
		params.ChapterIndices = nil
		params.Descriptor = nil
		id, err := r.sched.AddDerived(params, entry.Title)
		if err != nil {
			r.logger.Warn("listing entry skipped", zap.String("url", entry.URL), zap.Error(err))
			out.Skipped[entry.URL] = err
			continue
		}
		out.Added = append(out.Added, Added{JobID: id, Entry: entry})
	}
	r.logger.Info("listing expanded", zap.String("listing", req.ListingURL),
		zap.Int("found", len(entries)), zap.Int("added", len(out.Added)), zap.Int("skipped", len(out.Skipped)))

	done := make(chan struct{})
	out.Corrected = done
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		r.correctTitles(r.ctx, out.Added)
	}()
	return out, nil
}

// Select converts the 1-based inclusive range into a slice of entries.
func Select(entries []book.ListingEntry, start, end int) []book.ListingEntry {
	from, to := start-1, end
	if from < 0 {
		from = 0
	}
	if to > len(entries) {
		to = len(entries)
	}
	if from >= to {
		return nil
	}
	return entries[from:to]
}

// correctTitles fetches each descriptor and pushes its title. Failures keep
// the provisional title.
func (r *Resolver) correctTitles(ctx context.Context, added []Added) {
	for i, a := range added {
		if ctx.Err() != nil {
			return
		}
		desc, err := r.source.Document(ctx, a.Entry.URL)
		switch {
		case err != nil:
			r.logger.Debug("title correction failed", zap.String("job_id", a.JobID), zap.Error(err))
		case desc.Title != "":
			r.sched.UpdateTitle(a.JobID, desc.Title)
		}
		if i < len(added)-1 {
			r.cfg.Pauser.Pause(ctx, r.cfg.CorrectionInterval)
		}
	}
}

// Close stops pending title passes and waits for them to exit.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}
