package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageJobAdded)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobAdded))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobAdded))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageJobAdded)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		JobID: "job-1",
		TS:    time.Now(),
		Stage: stage,
	}
	switch stage {
	case StageJobStatus:
		evt.Status = book.JobStatusRunning
	case StageJobFinished:
		evt.Path = "/out/book.txt"
	case StageChallengeNeeded:
		evt.URL = "https://example.com/reader/1"
	}
	return evt
}

// TestHubPreservesEmissionOrder ensures sinks observe events in the order they were emitted.
func TestHubPreservesEmissionOrder(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 64, MaxBatchEvents: 3, MaxBatchWait: 5 * time.Millisecond}, sink)
	for i := 1; i <= 10; i++ {
		evt := sampleEvent(StageJobProgress)
		evt.Current, evt.Total = i, 10
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	var got []int
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			got = append(got, evt.Current)
		}
	}
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

// TestHubDiscardsInvalidEvents ensures malformed events never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	hub.Emit(Event{JobID: "job-1", TS: time.Now(), Stage: StageJobFinished})
	hub.Emit(Event{JobID: "job-1", TS: time.Now(), Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubCountsDrops verifies dropped progress ticks are tallied when the buffer is full.
func TestHubCountsDrops(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(sampleEvent(StageJobAdded))
	require.Equal(t, int64(2), hub.Dropped())
	require.Len(t, hub.overflow, 1, "non-progress events are parked, not dropped")
}

type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	stub    *stubSink
}

func (g *gatedSink) Consume(ctx context.Context, batch []Event) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.stub.Consume(ctx, batch)
}

func (g *gatedSink) Close(context.Context) error { return nil }

// TestHubDeliversCriticalEventsUnderBackpressure keeps status and finished
// notifications, in order, while a stalled sink backs the buffer up.
func TestHubDeliversCriticalEventsUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{}), stub: newStubSink()}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	first := sampleEvent(StageJobAdded)
	hub.Emit(first)
	<-sink.entered

	buffered := sampleEvent(StageJobStatus)
	finished := sampleEvent(StageJobFinished)
	status := sampleEvent(StageJobStatus)
	status.Status = book.JobStatusFinished

	hub.Emit(buffered)
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(finished)
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(status)
	close(sink.release)

	require.NoError(t, hub.Close(context.Background()))
	var got []Event
	for _, batch := range sink.stub.Batches() {
		got = append(got, batch...)
	}
	require.Equal(t, []Event{first, buffered, finished, status}, got)
	require.Equal(t, int64(2), hub.Dropped())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageJobStatus).Validate())
	require.NoError(t, sampleEvent(StageChallengeNeeded).Validate())
	require.Error(t, Event{TS: time.Now(), Stage: StageJobAdded}.Validate())
	require.Error(t, Event{JobID: "x", Stage: StageJobAdded}.Validate())
	require.Error(t, Event{JobID: "x", TS: time.Now(), Stage: StageJobStatus}.Validate())
	require.Error(t, Event{JobID: "x", TS: time.Now(), Stage: StageChallengeNeeded}.Validate())

	sentinel := Event{JobID: "x", TS: time.Now(), Stage: StageJobProgress, Message: "resuming"}
	require.True(t, sentinel.Sentinel())
}
