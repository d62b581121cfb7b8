package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/format"
	"github.com/JakeFAU/novelfetch/internal/metrics"
)

// Message texts emitted through the progress callback.
const (
	MsgUpToDate    = "already up to date"
	MsgResuming    = "resuming after chapter %q (%d new chapters)"
	MsgDescriptor  = "resolving book"
	MsgFinished    = "finished"
	MsgUnavailable = "[chapter unavailable: %v]"
)

// ProgressFunc receives (current, total, message). A (0, 0, msg) call carries
// status text only.
type ProgressFunc func(current, total int, message string)

// ChallengeFunc blocks until the challenge at url has been resolved. A
// non-nil error aborts the job.
type ChallengeFunc func(ctx context.Context, url string) error

// CheckpointFunc is the worker's pause/stop gate.
type CheckpointFunc func(ctx context.Context) error

// Request describes one engine run.
type Request struct {
	JobID      string
	Params     book.JobParameters
	Progress   ProgressFunc
	Challenge  ChallengeFunc
	Checkpoint CheckpointFunc
	// Descriptor is invoked once the book has been resolved.
	Descriptor func(desc book.Descriptor)
}

// Result reports what a run produced.
type Result struct {
	Path       string
	Descriptor book.Descriptor
	Written    int
	UpToDate   bool
}

// Config tunes pacing and formatter lookup.
type Config struct {
	AutoDelay Triangular
	// Formatters resolves the output format; defaults to format.New.
	Formatters func(book.Format) (format.Formatter, error)
	Pauser     Pauser
	// Uniform returns samples in [0,1) for the auto delay.
	Uniform func() float64
}

// Engine executes fetch/assembly runs. It is safe for concurrent use; each
// run owns its own formatter session.
type Engine struct {
	source book.Source
	assets book.AssetFetcher
	cfg    Config
	logger *zap.Logger
}

// New wires the engine collaborators. assets may be nil when no format embeds
// images.
func New(source book.Source, assets book.AssetFetcher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoDelay == (Triangular{}) {
		cfg.AutoDelay = DefaultAutoDelay
	}
	if cfg.Formatters == nil {
		cfg.Formatters = format.New
	}
	if cfg.Pauser == nil {
		cfg.Pauser = TimerPauser{}
	}
	if cfg.Uniform == nil {
		cfg.Uniform = defaultUniform
	}
	return &Engine{source: source, assets: assets, cfg: cfg, logger: logger}
}

func (e *Engine) uniform() float64 { return e.cfg.Uniform() }

// plan is the resolved set of chapters for one run.
type plan struct {
	indices    []int
	appendMode bool
	upToDate   bool
	message    string
}

// resolvePlan decides which descriptor indices to fetch.
func resolvePlan(f format.Formatter, desc book.Descriptor, params book.JobParameters) plan {
	total := len(desc.Chapters)
	if params.ChapterIndices != nil {
		return plan{indices: clip(params.ChapterIndices, total)}
	}
	last := f.DetectProgress(desc, params.OutputDir, params.SplitFiles)
	if last >= 0 {
		if last >= total-1 {
			return plan{upToDate: true}
		}
		indices := span(last+1, total, params.ChapterLimit)
		return plan{
			indices:    indices,
			appendMode: true,
			message:    fmt.Sprintf(MsgResuming, desc.Chapters[last].Title, len(indices)),
		}
	}
	return plan{indices: span(0, total, params.ChapterLimit)}
}

// span returns [from, to) truncated to limit entries when limit > 0.
func span(from, to, limit int) []int {
	if limit > 0 && to-from > limit {
		to = from + limit
	}
	out := make([]int, 0, max(to-from, 0))
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// clip drops out-of-range indices and returns the rest ascending and unique.
func clip(indices []int, total int) []int {
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < total {
			out = append(out, idx)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Run executes one job to completion, a stop, or a fatal error.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	params := req.Params
	progress := req.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}
	checkpoint := req.Checkpoint
	if checkpoint == nil {
		checkpoint = func(ctx context.Context) error { return ctx.Err() }
	}
	logger := e.logger.With(zap.String("job_id", req.JobID), zap.String("source_url", params.SourceURL))

	f, err := e.cfg.Formatters(params.Format)
	if err != nil {
		return Result{}, fmt.Errorf("resolve formatter: %w", err)
	}

	desc, err := e.descriptor(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if req.Descriptor != nil {
		req.Descriptor(desc)
	}

	p := resolvePlan(f, desc, params)
	if p.upToDate {
		path := f.FinalPath(desc, params.OutputDir, params.SplitFiles)
		progress(0, 0, MsgUpToDate)
		logger.Info("artifact already up to date", zap.String("path", path))
		return Result{Path: path, Descriptor: desc, UpToDate: true}, nil
	}
	if p.message != "" {
		progress(0, 0, p.message)
	}

	open := format.OpenRequest{
		Descriptor: desc,
		SourceURL:  params.SourceURL,
		Dir:        params.OutputDir,
		Split:      params.SplitFiles,
		Append:     p.appendMode,
	}
	if f.EmbedsAssets() && desc.CoverURL != "" && e.assets != nil {
		open.Cover = e.assets.AssetBytes(ctx, desc.CoverURL)
	}
	session, err := f.Open(open)
	if err != nil {
		return Result{}, fmt.Errorf("open output: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("release output failed", zap.Error(cerr))
		}
	}()

	count := len(p.indices)
	for n, idx := range p.indices {
		if err := checkpoint(ctx); err != nil {
			return Result{Descriptor: desc, Written: n}, err
		}
		ch := desc.Chapters[idx]
		progress(n+1, count, ch.Title)

		content, err := e.fetchChapter(ctx, req, ch)
		if err != nil {
			return Result{Descriptor: desc, Written: n}, err
		}
		if f.EmbedsAssets() {
			e.embedAssets(ctx, &content)
		}
		if err := session.WriteChapter(ch, content, idx); err != nil {
			return Result{Descriptor: desc, Written: n}, fmt.Errorf("write chapter %d: %w", idx, err)
		}
		logger.Debug("chapter written", zap.Int("chapter", idx), zap.String("title", ch.Title))

		if n < count-1 {
			delay := e.delayFor(params.Delay)
			metrics.ObservePacing(delay)
			e.cfg.Pauser.Pause(ctx, delay)
		}
	}

	path, err := session.Finalize()
	if err != nil {
		return Result{Descriptor: desc, Written: count}, fmt.Errorf("finalize output: %w", err)
	}
	progress(count, count, MsgFinished)
	return Result{Path: path, Descriptor: desc, Written: count}, nil
}

// descriptor returns the supplied descriptor or fetches it, honouring the
// challenge callback the same way chapter fetches do.
func (e *Engine) descriptor(ctx context.Context, req Request) (book.Descriptor, error) {
	if req.Params.Descriptor != nil {
		return *req.Params.Descriptor, nil
	}
	if req.Progress != nil {
		req.Progress(0, 0, MsgDescriptor)
	}
	for {
		desc, err := e.source.Document(ctx, req.Params.SourceURL)
		if err == nil {
			return desc, nil
		}
		if !errors.Is(err, book.ErrChallenge) || req.Challenge == nil {
			return book.Descriptor{}, fmt.Errorf("resolve book: %w", err)
		}
		if cerr := req.Challenge(ctx, challengeURL(err, req.Params.SourceURL)); cerr != nil {
			return book.Descriptor{}, cerr
		}
	}
}

// fetchChapter returns the chapter body. A challenge blocks on the callback
// and then retries the same chapter; any other failure becomes a placeholder.
func (e *Engine) fetchChapter(ctx context.Context, req Request, ch book.ChapterRef) (book.Content, error) {
	for {
		start := time.Now()
		content, err := e.source.ChapterContent(ctx, ch.URL)
		metrics.ObserveFetch("chapter", ch.URL, time.Since(start))
		if err == nil {
			metrics.ObserveChapter("written")
			return content, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return book.Content{}, ctxErr
		}
		if errors.Is(err, book.ErrChallenge) {
			if req.Challenge == nil {
				return book.Content{}, fmt.Errorf("chapter %q: %w", ch.Title, err)
			}
			e.logger.Warn("challenge while fetching chapter",
				zap.String("job_id", req.JobID), zap.String("url", ch.URL))
			if cerr := req.Challenge(ctx, challengeURL(err, ch.URL)); cerr != nil {
				return book.Content{}, cerr
			}
			continue
		}
		e.logger.Warn("chapter fetch failed, writing placeholder",
			zap.String("job_id", req.JobID), zap.String("url", ch.URL), zap.Error(err))
		metrics.ObserveChapter("placeholder")
		return book.TextContent(fmt.Sprintf(MsgUnavailable, err)), nil
	}
}

// embedAssets resolves image bytes in place. Misses stay nil and are rendered
// as placeholders by the formatter.
func (e *Engine) embedAssets(ctx context.Context, content *book.Content) {
	if e.assets == nil {
		return
	}
	for i := range content.Blocks {
		b := &content.Blocks[i]
		if b.Kind == book.BlockImage && b.Asset == nil && b.Data != "" {
			b.Asset = e.assets.AssetBytes(ctx, b.Data)
		}
	}
}

func challengeURL(err error, fallback string) string {
	if url, ok := book.ChallengeURL(err); ok && url != "" {
		return url
	}
	return fallback
}
