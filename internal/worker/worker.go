// Package worker hosts one engine run per job on its own goroutine and exposes
// cooperative pause, resume and stop controls. A worker never touches the job
// record; it reports everything through notifications pushed to the
// scheduler's inbox.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/engine"
	"github.com/JakeFAU/novelfetch/internal/metrics"
)

// State is the worker lifecycle.
type State int

// Worker states. Idle -> Running <-> Paused -> {Finished | Errored | Stopped};
// Stopping is the transient state between a stop request and the checkpoint
// that honours it.
const (
	Idle State = iota
	Running
	Paused
	Stopping
	Finished
	Errored
	Stopped
)

var stateNames = map[State]string{
	Idle:     "idle",
	Running:  "running",
	Paused:   "paused",
	Stopping: "stopping",
	Finished: "finished",
	Errored:  "errored",
	Stopped:  "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Kind classifies a notification.
type Kind string

// Notification kinds sent to the scheduler.
const (
	KindProgress   Kind = "progress"
	KindDescriptor Kind = "descriptor"
	KindChallenge  Kind = "challenge"
	KindFinished   Kind = "finished"
	KindFailed     Kind = "failed"
	KindStopped    Kind = "stopped"
)

// Notification is the only channel from a worker to the scheduler.
type Notification struct {
	JobID   string
	Worker  *Worker
	Kind    Kind
	Current int
	Total   int
	Message string
	Path    string
	URL     string
	Title   string
	Err     error
}

// Inbox receives worker notifications.
type Inbox interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Runner executes the per-job body.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (engine.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval is how often a paused worker re-checks its state.
	PollInterval time.Duration
}

const defaultPollInterval = 100 * time.Millisecond

// Worker runs one job.
type Worker struct {
	jobID  string
	params book.JobParameters
	runner Runner
	inbox  Inbox
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	resolved  bool
	cancel    context.CancelFunc
	notifyCtx context.Context
	done      chan struct{}
}

// New constructs an idle Worker.
func New(jobID string, params book.JobParameters, runner Runner, inbox Inbox, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobID:  jobID,
		params: params,
		runner: runner,
		inbox:  inbox,
		cfg:    cfg,
		logger: logger.With(zap.String("job_id", jobID)),
		done:   make(chan struct{}),
	}
}

// JobID returns the job this worker serves.
func (w *Worker) JobID() string { return w.jobID }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the run goroutine. It reports false if the worker was not idle.
// ctx bounds the whole run; Terminate cancels a child of it.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	if w.state != Idle {
		w.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.state = Running
	w.cancel = cancel
	w.notifyCtx = context.WithoutCancel(ctx)
	w.mu.Unlock()

	go w.run(runCtx)
	return true
}

// Pause requests a pause at the next checkpoint. It never blocks.
func (w *Worker) Pause() {
	w.transition(Running, Paused)
}

// Resume clears a pause. It never blocks.
func (w *Worker) Resume() {
	w.transition(Paused, Running)
}

// Stop requests a stop at the next checkpoint. It never blocks. An idle
// worker moves straight to Stopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case Idle:
		w.state = Stopped
		close(w.done)
	case Running, Paused:
		w.state = Stopping
	}
}

// ResolveChallenge releases a worker blocked on a challenge.
func (w *Worker) ResolveChallenge() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolved = true
}

// Terminate cancels the run context. In-flight fetches and sleeps observe the
// cancellation; output cleanup happens only if the run unwinds.
func (w *Worker) Terminate() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the worker has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker exits or timeout elapses. It reports whether
// the worker exited.
func (w *Worker) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) transition(from, to State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == from {
		w.state = to
	}
}

func (w *Worker) setTerminal(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.Terminate()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Info("worker started")
	res, err := w.execute(ctx)
	switch {
	case err == nil:
		w.setTerminal(Finished)
		w.logger.Info("worker finished", zap.String("path", res.Path))
		w.notify(Notification{Kind: KindFinished, Path: res.Path, Title: res.Descriptor.Title})
	case errors.Is(err, book.ErrUserStopped) || (w.State() == Stopping && ctx.Err() != nil):
		w.setTerminal(Stopped)
		w.logger.Info("worker stopped")
		w.notify(Notification{Kind: KindStopped, Err: book.ErrUserStopped})
	default:
		w.setTerminal(Errored)
		w.logger.Warn("worker failed", zap.Error(err))
		w.notify(Notification{Kind: KindFailed, Message: err.Error(), Err: err})
	}
}

// execute runs the engine, converting a panic into an error so a faulty job
// never takes the process down.
func (w *Worker) execute(ctx context.Context) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.runner.Run(ctx, engine.Request{
		JobID:      w.jobID,
		Params:     w.params,
		Checkpoint: w.checkpoint,
		Challenge:  w.awaitChallenge,
		Progress: func(current, total int, message string) {
			w.notify(Notification{Kind: KindProgress, Current: current, Total: total, Message: message})
		},
		Descriptor: func(desc book.Descriptor) {
			w.notify(Notification{Kind: KindDescriptor, Title: desc.Title, Total: len(desc.Chapters)})
		},
	})
}

// checkpoint is the single pause/stop gate, called once per chapter.
func (w *Worker) checkpoint(ctx context.Context) error {
	for {
		switch w.State() {
		case Stopping, Stopped:
			return book.ErrUserStopped
		case Running:
			return nil
		}
		if err := w.sleep(ctx); err != nil {
			return err
		}
	}
}

// awaitChallenge reports the challenge upward, blocks until the scheduler
// signals resolution, then waits at the checkpoint until re-admitted.
func (w *Worker) awaitChallenge(ctx context.Context, url string) error {
	w.mu.Lock()
	w.resolved = false
	w.mu.Unlock()
	w.notify(Notification{Kind: KindChallenge, URL: url})

	for {
		w.mu.Lock()
		resolved, state := w.resolved, w.state
		w.mu.Unlock()
		if state == Stopping {
			return book.ErrUserStopped
		}
		if resolved {
			return w.checkpoint(ctx)
		}
		if err := w.sleep(ctx); err != nil {
			return err
		}
	}
}

func (w *Worker) sleep(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) notify(n Notification) {
	if w.inbox == nil {
		return
	}
	n.JobID = w.jobID
	n.Worker = w
	w.mu.Lock()
	ctx := w.notifyCtx
	w.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.inbox.Enqueue(ctx, n); err != nil {
		w.logger.Debug("notification dropped", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}
