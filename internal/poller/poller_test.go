package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

type step struct {
	status pipeline.VendorStatus
	err    error
}

type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls atomic.Int64
}

func (s *scriptedSource) GetStatus(_ context.Context, taskID string) (pipeline.VendorStatus, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return pipeline.VendorStatus{TaskID: taskID, Status: "IN_PROGRESS"}, nil
	}
	next := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	next.status.TaskID = taskID
	return next.status, next.err
}

type hookCounter struct {
	mu    sync.Mutex
	tasks []pipeline.ExternalTask
}

func (h *hookCounter) fn(_ context.Context, task pipeline.ExternalTask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task)
}

func (h *hookCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// TestTerminalIdempotence checks that repeated checks after success fire the
// terminal hook once and stop calling the source.
func TestTerminalIdempotence(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{status: pipeline.VendorStatus{Status: "PENDING"}},
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 50}},
		{status: pipeline.VendorStatus{Status: "SUCCEEDED", Progress: 100, ModelURL: "https://cdn/model.glb"}},
	}}
	hooks := &hookCounter{}
	p := New(src, Config{}, hooks.fn)
	p.Track(pipeline.ExternalTask{ID: "t-1", ProductID: "p-1"})
	ctx := context.Background()

	task, err := p.CheckOnce(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskQueued, task.State)

	task, err = p.CheckOnce(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskRunning, task.State)
	require.Equal(t, 50, task.Progress)

	for i := 0; i < 3; i++ {
		task, err = p.CheckOnce(ctx, "t-1")
		require.NoError(t, err)
		require.Equal(t, pipeline.TaskSucceeded, task.State)
		require.Equal(t, "https://cdn/model.glb", task.ModelURL)
		require.Equal(t, "p-1", task.ProductID)
	}
	require.Equal(t, 1, hooks.count())
	require.EqualValues(t, 3, src.calls.Load())
}

// TestVendorFailureIsTerminal maps a vendor failure through the same hooks.
func TestVendorFailureIsTerminal(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{status: pipeline.VendorStatus{Status: "CANCELED"}}}}
	hooks := &hookCounter{}
	p := New(src, Config{}, hooks.fn)

	task, err := p.CheckOnce(context.Background(), "t-2")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskFailed, task.State)
	require.Contains(t, task.Error, "CANCELED")

	_, err = p.CheckOnce(context.Background(), "t-2")
	require.NoError(t, err)
	require.Equal(t, 1, hooks.count())
}

// TestTransientErrorLeavesStateUntouched verifies retryable failures do not
// move the canonical state.
func TestTransientErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 30}},
		{err: pipeline.Transient(errors.New("502 bad gateway"))},
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 60}},
	}}
	p := New(src, Config{})
	ctx := context.Background()

	_, err := p.CheckOnce(ctx, "t-3")
	require.NoError(t, err)

	task, err := p.CheckOnce(ctx, "t-3")
	require.Error(t, err)
	require.True(t, pipeline.IsTransient(err))
	require.Equal(t, pipeline.TaskRunning, task.State)
	require.Equal(t, 30, task.Progress)

	task, err = p.CheckOnce(ctx, "t-3")
	require.NoError(t, err)
	require.Equal(t, 60, task.Progress)
}

// TestUnknownVendorState maps unknown statuses to Running with a floor.
func TestUnknownVendorState(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{status: pipeline.VendorStatus{Status: "WARMING_UP", Progress: -5}}}}
	p := New(src, Config{ProgressFloor: 5})

	task, err := p.CheckOnce(context.Background(), "t-4")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskRunning, task.State)
	require.Equal(t, 5, task.Progress)
	require.Equal(t, "WARMING_UP", task.VendorStatus)
}

// TestProgressNeverRegresses keeps reported progress monotonic.
func TestProgressNeverRegresses(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 70}},
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 40}},
	}}
	p := New(src, Config{})
	_, err := p.CheckOnce(context.Background(), "t-5")
	require.NoError(t, err)
	task, err := p.CheckOnce(context.Background(), "t-5")
	require.NoError(t, err)
	require.Equal(t, 70, task.Progress)
}

// TestConcurrentChecksConverge runs many checks at once against a terminal
// status and expects a single hook invocation.
func TestConcurrentChecksConverge(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{status: pipeline.VendorStatus{Status: "SUCCEEDED"}}}}
	hooks := &hookCounter{}
	p := New(src, Config{}, hooks.fn)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := p.CheckOnce(context.Background(), "t-6")
			require.NoError(t, err)
			require.Equal(t, pipeline.TaskSucceeded, task.State)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, hooks.count())
}

// TestRequireTracked rejects tasks that were never registered.
func TestRequireTracked(t *testing.T) {
	t.Parallel()

	p := New(&scriptedSource{}, Config{RequireTracked: true})
	_, err := p.CheckOnce(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownTask)
}

type mapLoader struct {
	tasks map[string]pipeline.ExternalTask
	err   error
}

func (l *mapLoader) GetTask(_ context.Context, id string) (pipeline.ExternalTask, error) {
	if l.err != nil {
		return pipeline.ExternalTask{}, l.err
	}
	task, ok := l.tasks[id]
	if !ok {
		return pipeline.ExternalTask{}, pipeline.ErrNotFound
	}
	return task, nil
}

// TestLoaderSeedsUntrackedTask keeps persisted ownership and cost when a task
// is first checked by a poller that never tracked it.
func TestLoaderSeedsUntrackedTask(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{status: pipeline.VendorStatus{Status: "SUCCEEDED", ModelURL: "https://cdn/model.glb"}},
	}}
	loader := &mapLoader{tasks: map[string]pipeline.ExternalTask{
		"t-1": {ID: "t-1", ProductID: "p-1", State: pipeline.TaskRunning, Progress: 40, Cost: 0.30},
	}}
	hooks := &hookCounter{}
	p := New(src, Config{RequireTracked: true, Loader: loader}, hooks.fn)

	task, err := p.CheckOnce(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, task.State)
	require.Equal(t, "p-1", task.ProductID)
	require.InDelta(t, 0.30, task.Cost, 1e-9)
	require.Equal(t, "https://cdn/model.glb", task.ModelURL)
	require.Equal(t, 1, hooks.count())
	require.Equal(t, "p-1", hooks.tasks[0].ProductID)

	_, err = p.CheckOnce(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownTask)
}

// TestLoaderTerminalTaskSkipsSource returns a persisted terminal record
// without contacting the vendor or rerunning hooks.
func TestLoaderTerminalTaskSkipsSource(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	loader := &mapLoader{tasks: map[string]pipeline.ExternalTask{
		"t-done": {ID: "t-done", ProductID: "p-1", State: pipeline.TaskSucceeded, Progress: 100},
	}}
	hooks := &hookCounter{}
	p := New(src, Config{Loader: loader}, hooks.fn)

	task, err := p.CheckOnce(context.Background(), "t-done")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, task.State)
	require.Zero(t, src.calls.Load())
	require.Zero(t, hooks.count())
}

// TestLoaderErrorIsReturned surfaces persistence failures without touching
// the source.
func TestLoaderErrorIsReturned(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	p := New(src, Config{Loader: &mapLoader{err: errors.New("db down")}})
	_, err := p.CheckOnce(context.Background(), "t-1")
	require.ErrorContains(t, err, "db down")
	require.Zero(t, src.calls.Load())
}

// TestTerminalHooksOutliveCallerContext runs hooks with a context that is not
// cancelled with the caller's.
func TestTerminalHooksOutliveCallerContext(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{status: pipeline.VendorStatus{Status: "SUCCEEDED"}}}}
	var hookErr error
	ran := false
	ctx, cancel := context.WithCancel(context.Background())
	p := New(src, Config{}, func(hctx context.Context, _ pipeline.ExternalTask) {
		cancel()
		ran = true
		hookErr = hctx.Err()
	})
	p.Track(pipeline.ExternalTask{ID: "t-1"})

	_, err := p.CheckOnce(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, ran)
	require.NoError(t, hookErr)
	require.Error(t, ctx.Err())
}

// TestWatchUntilTerminal drives the caller-owned cadence through a transient
// failure to completion.
func TestWatchUntilTerminal(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{status: pipeline.VendorStatus{Status: "PENDING"}},
		{err: pipeline.Transient(errors.New("timeout"))},
		{status: pipeline.VendorStatus{Status: "IN_PROGRESS", Progress: 80}},
		{status: pipeline.VendorStatus{Status: "SUCCEEDED"}},
	}}
	hooks := &hookCounter{}
	p := New(src, Config{}, hooks.fn)
	var progressCalls atomic.Int64

	task, err := p.Watch(context.Background(), "t-7", WatchConfig{
		Interval:   time.Millisecond,
		Retry:      &ExponentialBackoff{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		OnProgress: func(pipeline.ExternalTask) { progressCalls.Add(1) },
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, task.State)
	require.Equal(t, 1, hooks.count())
	require.EqualValues(t, 2, progressCalls.Load())
}

// TestWatchBudget stops after MaxChecks non-terminal observations.
func TestWatchBudget(t *testing.T) {
	t.Parallel()

	p := New(&scriptedSource{}, Config{})
	task, err := p.Watch(context.Background(), "t-8", WatchConfig{Interval: time.Millisecond, MaxChecks: 3})
	require.ErrorIs(t, err, ErrWatchExhausted)
	require.Equal(t, pipeline.TaskRunning, task.State)

	// the record survives an abandoned watch
	cached, ok := p.Task("t-8")
	require.True(t, ok)
	require.Equal(t, pipeline.TaskRunning, cached.State)
}

// TestWatchNonRetryable returns immediately on permanent source errors.
func TestWatchNonRetryable(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{err: pipeline.InputFailure("meshy", errors.New("404 task not found"))}}}
	p := New(src, Config{})
	_, err := p.Watch(context.Background(), "t-9", WatchConfig{Interval: time.Millisecond})
	require.Error(t, err)
	require.True(t, pipeline.IsInputFailure(err))
	require.EqualValues(t, 1, src.calls.Load())
}

// TestBackoffBounds checks the jittered delay window.
func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	b := &ExponentialBackoff{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 0; attempt < 5; attempt++ {
		d := b.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
	require.True(t, b.ShouldRetry(pipeline.Transient(errors.New("x")), 0))
	require.False(t, b.ShouldRetry(pipeline.Transient(errors.New("x")), 4))
	require.False(t, b.ShouldRetry(errors.New("permanent"), 0))
	require.False(t, b.ShouldRetry(context.Canceled, 0))
}
