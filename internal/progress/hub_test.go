package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
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

	evt := sampleEvent(pipeline.StageScraping, OutcomeStarted)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
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

	hub.Emit(sampleEvent(pipeline.StageScraping, OutcomeStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers and counts drops.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(pipeline.StageScraping, OutcomeStarted))
	hub.Emit(sampleEvent(pipeline.StageScraping, OutcomeStarted))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
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

	hub.Emit(sampleEvent(pipeline.StageBackgroundRemoval, OutcomeSucceeded))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(pipeline.StageBackgroundRemoval, OutcomeSucceeded))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: pipeline.StageScraping, Outcome: OutcomeStarted})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.Zero(t, hub.Dropped())
}

func TestHubContinuesAfterSinkError(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	failing := SinkFunc(func(context.Context, []Event) error {
		return errors.New("sink down")
	})
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Minute}, failing, good)

	hub.Emit(sampleEvent(pipeline.StageScraping, OutcomeStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(pipeline.StageModelGeneration, OutcomeSucceeded)
	require.NoError(t, valid.Validate())

	tests := map[string]func(e *Event){
		"missing product": func(e *Event) { e.ProductID = "" },
		"zero timestamp":  func(e *Event) { e.TS = time.Time{} },
		"unknown stage":   func(e *Event) { e.Stage = "teleport" },
		"unknown outcome": func(e *Event) { e.Outcome = "MAYBE" },
		"failed no note":  func(e *Event) { e.Outcome = OutcomeFailed; e.Note = "" },
		"negative dur":    func(e *Event) { e.Dur = -time.Second },
		"negative cost":   func(e *Event) { e.Cost = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			evt := valid
			mutate(&evt)
			require.Error(t, evt.Validate())
		})
	}
}

func TestEventStageRecord(t *testing.T) {
	t.Parallel()

	evt := sampleEvent(pipeline.StageModelGeneration, OutcomeFailed)
	evt.Note = "vendor timeout"
	evt.Cost = 0.3
	evt.Dur = 2 * time.Second

	rec := evt.StageRecord()
	require.Equal(t, evt.ProductID, rec.ProductID)
	require.Equal(t, pipeline.StageModelGeneration, rec.Stage)
	require.False(t, rec.Success)
	require.InDelta(t, 0.3, rec.Cost, 1e-9)
	require.Equal(t, 2*time.Second, rec.Duration)
	require.Equal(t, "vendor timeout", rec.Detail)

	skipped := sampleEvent(pipeline.StageBackgroundRemoval, OutcomeSkipped)
	require.True(t, skipped.StageRecord().Success)
	require.True(t, OutcomeSkipped.Finished())
	require.False(t, OutcomeStarted.Finished())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
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

func sampleEvent(stage pipeline.Stage, outcome Outcome) Event {
	evt := Event{
		ProductID: "prod-1",
		TS:        time.Now().UTC(),
		Stage:     stage,
		Outcome:   outcome,
	}
	if outcome == OutcomeFailed {
		evt.Note = "boom"
	}
	return evt
}
