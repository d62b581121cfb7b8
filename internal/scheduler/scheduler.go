package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/clock/system"
	"github.com/JakeFAU/novelfetch/internal/id/uuid"
	"github.com/JakeFAU/novelfetch/internal/metrics"
	"github.com/JakeFAU/novelfetch/internal/progress"
	"github.com/JakeFAU/novelfetch/internal/queue/memory"
	"github.com/JakeFAU/novelfetch/internal/worker"
)

// Config controls Scheduler behavior.
type Config struct {
	// MaxConcurrency bounds the number of running jobs.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// PollInterval is the tick cadence used by Run.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CancelTimeout bounds how long a cancel waits for a worker to exit
	// before terminating it.
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
	// InboxSize is the capacity of the worker notification inbox.
	InboxSize int `mapstructure:"inbox_size"`
	// WorkerPoll is the pause/challenge poll interval handed to workers.
	WorkerPoll time.Duration `mapstructure:"worker_poll"`
}

const (
	defaultPollInterval  = time.Second
	defaultCancelTimeout = 5 * time.Second
	defaultInboxSize     = 256
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// Challenge describes the anti-automation response that stopped the world.
type Challenge struct {
	JobID string    `json:"job_id"`
	URL   string    `json:"url"`
	Since time.Time `json:"since"`
}

type record struct {
	job        book.Job
	worker     *worker.Worker
	promoted   uint64
	cancelling bool
}

// Scheduler owns every job record and the workers serving them.
type Scheduler struct {
	cfg     Config
	runner  worker.Runner
	emitter progress.Emitter
	clock   book.Clock
	ids     book.IDGenerator
	logger  *zap.Logger
	inbox   *memory.Queue[worker.Notification]

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	jobs           []*record
	byID           map[string]*record
	maxConcurrency int
	challenge      *Challenge
	promotions     uint64
	closed         bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock used for timestamps.
func WithClock(c book.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(g book.IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// New constructs a Scheduler. runner executes each job body; emitter receives
// every notification and may be nil.
func New(cfg Config, runner worker.Runner, emitter progress.Emitter, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:            cfg,
		runner:         runner,
		emitter:        emitter,
		clock:          system.New(),
		ids:            uuid.NewUUIDGenerator(),
		logger:         logger,
		inbox:          memory.NewQueue[worker.Notification](cfg.InboxSize),
		ctx:            ctx,
		cancel:         cancel,
		byID:           make(map[string]*record),
		maxConcurrency: cfg.MaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add creates a waiting job and returns its id.
func (s *Scheduler) Add(params book.JobParameters) (string, error) {
	return s.add(book.JobKindSingle, params, "")
}

// AddDerived creates a waiting job expanded from a listing. title is the
// provisional display title taken from the listing; it yields to an override
// and may later be corrected with UpdateTitle.
func (s *Scheduler) AddDerived(params book.JobParameters, title string) (string, error) {
	return s.add(book.JobKindCollection, params, title)
}

func (s *Scheduler) add(kind book.JobKind, params book.JobParameters, title string) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	f, _ := book.ParseFormat(string(params.Format))
	params.Format = f
	if f == book.FormatEPUB {
		// An EPUB is always one file.
		params.SplitFiles = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if dup := s.claimedLocked(params); dup != "" {
		return "", fmt.Errorf("%w: job %s already targets %s", ErrDuplicateTarget, dup, params.SourceURL)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	if params.Title != "" || title == "" {
		title = book.DisplayTitle(params)
	}
	r := &record{job: book.Job{
		ID:        id,
		Kind:      kind,
		Title:     title,
		Params:    params,
		Status:    book.JobStatusWaiting,
		Submitted: now,
		Updated:   now,
	}}
	s.jobs = append(s.jobs, r)
	s.byID[id] = r
	s.logger.Info("job added", zap.String("job_id", id), zap.String("source", params.SourceURL),
		zap.String("format", string(params.Format)))
	s.emit(progress.Event{JobID: id, Stage: progress.StageJobAdded, Title: r.job.Title})
	return id, nil
}

// claimedLocked returns the id of a non-terminal job that would write the
// same artifact as params.
func (s *Scheduler) claimedLocked(params book.JobParameters) string {
	dir := filepath.Clean(params.OutputDir)
	for _, r := range s.jobs {
		p := r.job.Params
		if r.job.Terminal() || r.cancelling {
			continue
		}
		if p.SourceURL == params.SourceURL && filepath.Clean(p.OutputDir) == dir &&
			p.Format == params.Format && p.SplitFiles == params.SplitFiles {
			return r.job.ID
		}
	}
	return ""
}

// Tick drains worker notifications, then promotes waiting jobs in FIFO order
// while the concurrency window has room. It never blocks on workers.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	s.promoteLocked()
}

// Run ticks every PollInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Start force-promotes one waiting, paused or errored job. At capacity the
// most recently promoted running job is paused to make room.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	r, ok := s.byID[id]
	if !ok || r.cancelling {
		return nil
	}
	switch r.job.Status {
	case book.JobStatusWaiting, book.JobStatusPaused, book.JobStatusError:
	default:
		return nil
	}
	if s.challenge != nil {
		return ErrChallengeActive
	}
	if s.runningLocked() >= s.maxConcurrency {
		if victim := s.newestRunningLocked(); victim != nil {
			s.logger.Info("pausing job to make room", zap.String("job_id", victim.job.ID), zap.String("for", id))
			s.pauseLocked(victim)
		}
	}
	s.runLocked(r)
	return nil
}

// Pause pauses a running job. Any other status is a no-op.
func (s *Scheduler) Pause(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[id]; ok && !r.cancelling && r.job.Status == book.JobStatusRunning {
		s.pauseLocked(r)
	}
}

// Cancel stops a job, waits up to CancelTimeout for its worker to exit,
// terminates it past the deadline, then removes the job. Unknown ids,
// finished jobs and jobs already being cancelled are no-ops.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	r, ok := s.byID[id]
	if !ok || r.cancelling || r.job.Status == book.JobStatusFinished {
		s.mu.Unlock()
		return
	}
	s.beginCancelLocked(r)
	s.mu.Unlock()

	s.join([]*record{r})
}

// StartAll moves every paused or errored job back to waiting. Running jobs
// are untouched; the next tick admits the rest in FIFO order.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startAllLocked()
}

// PauseAll pauses every running job and parks every waiting job as paused,
// so only a later StartAll re-admits it.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseAllLocked()
}

// CancelAll cancels every job that has not finished. All workers are told to
// stop before any of them is joined.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	var victims []*record
	for _, r := range s.jobs {
		if r.cancelling || r.job.Status == book.JobStatusFinished {
			continue
		}
		s.beginCancelLocked(r)
		victims = append(victims, r)
	}
	s.mu.Unlock()

	s.join(victims)
}

// SetConcurrency updates the concurrency limit and ticks immediately. Running
// jobs above a lowered limit are not preempted.
func (s *Scheduler) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, n)
	}
	s.mu.Lock()
	s.maxConcurrency = n
	s.mu.Unlock()
	s.logger.Info("concurrency updated", zap.Int("max_concurrency", n))
	s.Tick()
	return nil
}

// Concurrency returns the current concurrency limit.
func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrency
}

// ResolveChallenge clears the challenge flag, moves paused jobs back to
// waiting and releases every worker blocked on a challenge. Queued
// notifications are applied first so a pending challenge report cannot
// re-raise the flag after release.
func (s *Scheduler) ResolveChallenge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	if s.challenge != nil {
		s.logger.Info("challenge resolved", zap.String("job_id", s.challenge.JobID),
			zap.Duration("blocked", s.clock.Now().Sub(s.challenge.Since)))
	}
	s.challenge = nil
	s.startAllLocked()
	for _, r := range s.jobs {
		if r.worker != nil {
			r.worker.ResolveChallenge()
		}
	}
}

// Challenge reports the active challenge, if any.
func (s *Scheduler) Challenge() (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenge == nil {
		return Challenge{}, false
	}
	return *s.challenge, true
}

// UpdateTitle applies a cosmetic title correction. Jobs with a caller
// supplied title override keep it. Status is never touched.
func (s *Scheduler) UpdateTitle(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[id]; ok {
		s.retitleLocked(r, title)
	}
}

// ClearFinished removes finished jobs and returns how many were removed.
func (s *Scheduler) ClearFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.jobs[:0]
	removed := 0
	for _, r := range s.jobs {
		if r.job.Status == book.JobStatusFinished && !r.cancelling {
			delete(s.byID, r.job.ID)
			s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobRemoved})
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.jobs[len(kept):])
	s.jobs = kept
	return removed
}

// List returns job snapshots in admission order.
func (s *Scheduler) List() []book.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]book.Job, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r.job)
	}
	return out
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (book.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return book.Job{}, false
	}
	return r.job, true
}

// Idle reports whether no job is waiting, running, paused or being
// cancelled. Errored and finished jobs do not count.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.jobs {
		if r.cancelling {
			return false
		}
		switch r.job.Status {
		case book.JobStatusWaiting, book.JobStatusRunning, book.JobStatusPaused:
			return false
		}
	}
	return true
}

// Close cancels every job, terminates stragglers and closes the inbox.
// Further Adds fail with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.cancel()
	s.inbox.Close()
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, r := range s.jobs {
		if r.job.Status == book.JobStatusRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) newestRunningLocked() *record {
	var newest *record
	for _, r := range s.jobs {
		if r.job.Status == book.JobStatusRunning && !r.cancelling && (newest == nil || r.promoted > newest.promoted) {
			newest = r
		}
	}
	return newest
}

func (s *Scheduler) promoteLocked() {
	if s.challenge != nil || s.closed {
		return
	}
	running := s.runningLocked()
	for _, r := range s.jobs {
		if running >= s.maxConcurrency {
			return
		}
		if r.job.Status != book.JobStatusWaiting || r.cancelling {
			continue
		}
		s.runLocked(r)
		running++
	}
}

// runLocked marks r running and resumes its parked worker or starts a new one.
func (s *Scheduler) runLocked(r *record) {
	s.promotions++
	r.promoted = s.promotions
	if r.worker != nil && r.worker.State() == worker.Paused {
		r.worker.Resume()
	} else {
		r.worker = worker.New(r.job.ID, r.job.Params, s.runner, s.inbox,
			worker.Config{PollInterval: s.cfg.WorkerPoll}, s.logger.Named("worker"))
		r.worker.Start(s.ctx)
	}
	s.setStatusLocked(r, book.JobStatusRunning, "")
}

func (s *Scheduler) pauseLocked(r *record) {
	if r.worker != nil {
		r.worker.Pause()
	}
	s.setStatusLocked(r, book.JobStatusPaused, "")
}

func (s *Scheduler) pauseAllLocked() {
	for _, r := range s.jobs {
		if r.cancelling {
			continue
		}
		switch r.job.Status {
		case book.JobStatusRunning:
			s.pauseLocked(r)
		case book.JobStatusWaiting:
			s.setStatusLocked(r, book.JobStatusPaused, "")
		}
	}
}

func (s *Scheduler) startAllLocked() {
	for _, r := range s.jobs {
		if r.cancelling {
			continue
		}
		switch r.job.Status {
		case book.JobStatusPaused, book.JobStatusError:
			s.setStatusLocked(r, book.JobStatusWaiting, "")
		}
	}
}

func (s *Scheduler) beginCancelLocked(r *record) {
	r.cancelling = true
	if r.worker != nil {
		r.worker.Stop()
	}
	s.logger.Info("cancelling job", zap.String("job_id", r.job.ID), zap.String("status", string(r.job.Status)))
}

// join waits for every victim's worker with one shared deadline, terminates
// the stragglers, then removes the jobs. It must run without the lock held so
// ticks keep draining the inbox.
func (s *Scheduler) join(victims []*record) {
	deadline := time.Now().Add(s.cfg.CancelTimeout)
	for _, r := range victims {
		w := r.worker
		if w == nil {
			continue
		}
		if !w.Wait(time.Until(deadline)) {
			s.logger.Warn("worker did not stop in time; terminating", zap.String("job_id", r.job.ID),
				zap.Duration("timeout", s.cfg.CancelTimeout))
			w.Terminate()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range victims {
		if s.byID[r.job.ID] != r {
			continue
		}
		delete(s.byID, r.job.ID)
		for i, other := range s.jobs {
			if other == r {
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
				break
			}
		}
		s.setStatusLocked(r, book.JobStatusCancelled, "cancelled")
		s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobRemoved})
	}
}

func (s *Scheduler) drainLocked() {
	for _, n := range s.inbox.Drain() {
		s.handleLocked(n)
	}
}

func (s *Scheduler) handleLocked(n worker.Notification) {
	r, ok := s.byID[n.JobID]
	if !ok || r.cancelling || r.worker != n.Worker {
		return
	}
	logger := s.logger.With(zap.String("job_id", r.job.ID))
	switch n.Kind {
	case worker.KindProgress:
		if n.Current != 0 || n.Total != 0 {
			r.job.Current, r.job.Total = n.Current, n.Total
		}
		r.job.Message = n.Message
		r.job.Updated = s.clock.Now()
		logger.Debug("job progress", zap.Int("current", n.Current), zap.Int("total", n.Total))
		s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobProgress,
			Current: n.Current, Total: n.Total, Message: n.Message})
	case worker.KindDescriptor:
		s.retitleLocked(r, n.Title)
	case worker.KindChallenge:
		metrics.ObserveChallenge()
		logger.Warn("challenge detected; pausing all jobs", zap.String("url", n.URL))
		if s.challenge == nil {
			s.challenge = &Challenge{JobID: r.job.ID, URL: n.URL, Since: s.clock.Now()}
		}
		s.pauseAllLocked()
		s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageChallengeNeeded, URL: n.URL})
	case worker.KindFinished:
		r.job.OutputPath = n.Path
		if r.job.Total > 0 {
			r.job.Current = r.job.Total
		}
		if r.job.Params.Title == "" && n.Title != "" {
			r.job.Title = n.Title
		}
		s.setStatusLocked(r, book.JobStatusFinished, "finished")
		s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobFinished, Title: r.job.Title, Path: n.Path})
	case worker.KindFailed:
		logger.Warn("job failed", zap.String("message", n.Message), zap.Error(n.Err))
		s.setStatusLocked(r, book.JobStatusError, n.Message)
	case worker.KindStopped:
		s.setStatusLocked(r, book.JobStatusError, "stopped")
	}
}

func (s *Scheduler) retitleLocked(r *record, title string) {
	if title == "" || r.job.Params.Title != "" || r.job.Title == title {
		return
	}
	r.job.Title = title
	r.job.Updated = s.clock.Now()
	s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobRetitled, Title: title})
}

func (s *Scheduler) setStatusLocked(r *record, status book.JobStatus, message string) {
	if r.job.Status == status && message == "" {
		return
	}
	r.job.Status = status
	if message != "" {
		r.job.Message = message
	}
	r.job.Updated = s.clock.Now()
	s.logger.Info("job status", zap.String("job_id", r.job.ID), zap.String("status", string(status)))
	s.emit(progress.Event{JobID: r.job.ID, Stage: progress.StageJobStatus, Status: status, Message: r.job.Message})
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = s.clock.Now()
	}
	s.emitter.Emit(evt)
}
