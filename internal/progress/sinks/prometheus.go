package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/progress"
)

// PrometheusSink exports job lifecycle metrics derived from scheduler
// notifications.
type PrometheusSink struct {
	jobsAdded     prometheus.Counter
	jobsStatus    *prometheus.CounterVec
	jobsFinished  prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	challenges    prometheus.Counter
	chaptersTotal prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novelfetch_jobs_added_total",
			Help: "Total jobs accepted by the scheduler.",
		}),
		jobsStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novelfetch_job_status_transitions_total",
			Help: "Status transitions partitioned by target status.",
		}, []string{"status"}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novelfetch_jobs_finished_total",
			Help: "Total jobs that produced an artifact.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novelfetch_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novelfetch_job_runtime_seconds",
			Help:    "Wall time from first run to a terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		challenges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novelfetch_challenge_notifications_total",
			Help: "Total stop-the-world challenge notifications.",
		}),
		chaptersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novelfetch_progress_chapters_total",
			Help: "Chapter progress notifications observed.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsAdded,
		s.jobsStatus,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.challenges,
		s.chaptersTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobAdded:
		s.jobsAdded.Inc()
	case progress.StageJobStatus:
		s.handleStatus(evt)
	case progress.StageJobFinished:
		s.jobsFinished.Inc()
	case progress.StageJobProgress:
		if !evt.Sentinel() {
			s.chaptersTotal.Inc()
		}
	case progress.StageJobRemoved:
		if s.tracker.stop(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.StageChallengeNeeded:
		s.challenges.Inc()
	}
}

func (s *PrometheusSink) handleStatus(evt progress.Event) {
	s.jobsStatus.WithLabelValues(string(evt.Status)).Inc()
	switch evt.Status {
	case book.JobStatusRunning:
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case book.JobStatusPaused, book.JobStatusWaiting:
		if s.tracker.stop(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case book.JobStatusFinished, book.JobStatusError, book.JobStatusCancelled:
		if started, ok := s.tracker.first(evt.JobID); ok && !evt.TS.IsZero() {
			s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.TS.Sub(started).Seconds())
		}
		if s.tracker.stop(evt.JobID) {
			s.jobsRunning.Dec()
		}
		s.tracker.forget(evt.JobID)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker remembers which jobs are running and when each first ran.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
	started map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{
		running: make(map[string]struct{}),
		started: make(map[string]time.Time),
	}
}

func (t *jobTracker) start(id string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[id]; !ok {
		t.started[id] = ts
	}
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

func (t *jobTracker) first(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.started[id]
	return ts, ok
}

func (t *jobTracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, id)
}
