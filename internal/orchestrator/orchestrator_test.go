package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	notifymemory "github.com/JakeFAU/product-3d-pipeline/internal/notify/memory"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/poller"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
	"github.com/JakeFAU/product-3d-pipeline/internal/runner"
	storememory "github.com/JakeFAU/product-3d-pipeline/internal/store/memory"
)

type fakeScraper struct {
	mu   sync.Mutex
	data map[string]pipeline.ProductData
}

func (f *fakeScraper) Scrape(_ context.Context, url string) (pipeline.ProductData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[url]
	if !ok {
		return pipeline.ProductData{}, pipeline.InputFailure("scraper", fmt.Errorf("unsupported url %s", url))
	}
	return data, nil
}

type fakeRemoval struct{}

func (fakeRemoval) Name() string { return "fake_removal" }

func (fakeRemoval) Process(_ context.Context, in pipeline.Input) (pipeline.Output, error) {
	if strings.Contains(in.URL, "bad") {
		return pipeline.Output{}, pipeline.InputFailure("fake_removal", errors.New("corrupt image"))
	}
	return pipeline.Output{URL: "https://cdn.test/cutouts/" + in.ID + ".png", ContentType: "image/png", Cost: 0.02}, nil
}

type fakeGenerator struct {
	mu   sync.Mutex
	urls [][]string
	err  error
	// entered and release, when set, hold CreateTask open
	entered chan struct{}
	release chan struct{}
	spans   []trace.SpanContext
}

func (g *fakeGenerator) CreateTask(ctx context.Context, urls []string) (string, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spans = append(g.spans, trace.SpanContextFromContext(ctx))
	if g.err != nil {
		return "", g.err
	}
	g.urls = append(g.urls, urls)
	return fmt.Sprintf("task-%d", len(g.urls)), nil
}

func (g *fakeGenerator) Cost() float64 { return 0.30 }

func (g *fakeGenerator) Submitted() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]string(nil), g.urls...)
}

// fakeSource walks every task through the same status sequence.
type fakeSource struct {
	mu       sync.Mutex
	sequence []pipeline.VendorStatus
	calls    map[string]int
}

func (s *fakeSource) GetStatus(_ context.Context, taskID string) (pipeline.VendorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	i := min(s.calls[taskID], len(s.sequence)-1)
	s.calls[taskID]++
	status := s.sequence[i]
	status.TaskID = taskID
	return status, nil
}

func succeedingSource() *fakeSource {
	return &fakeSource{sequence: []pipeline.VendorStatus{
		{Status: "PENDING"},
		{Status: "IN_PROGRESS", Progress: 50},
		{Status: "SUCCEEDED", Progress: 100, ModelURL: "https://assets.test/model.glb", ThumbnailURL: "https://assets.test/thumb.png"},
	}}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) For(productID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ProductID == productID {
			out = append(out, string(e.Stage)+":"+string(e.Outcome))
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]broadcast.Event
}

func (r *recordingPublisher) Publish(_ context.Context, entityID string, evt broadcast.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]broadcast.Event{}
	}
	r.events[entityID] = append(r.events[entityID], evt)
	return 1, nil
}

func (r *recordingPublisher) Events(entityID string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Event(nil), r.events[entityID]...)
}

type countingRecorder struct {
	mu       sync.Mutex
	stages   map[string][2]int
	products [2]int
	batches  [2]int
}

func (c *countingRecorder) RecordStage(stage string, success bool, _ float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stages == nil {
		c.stages = map[string][2]int{}
	}
	counts := c.stages[stage]
	counts[index(success)]++
	c.stages[stage] = counts
}

func (c *countingRecorder) RecordProduct(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[index(success)]++
}

func (c *countingRecorder) RecordBatch(success bool, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[index(success)]++
}

func (c *countingRecorder) RecordEvent(string) {}

func index(success bool) int {
	if success {
		return 1
	}
	return 0
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("prod-%d", s.n), nil
}

type harness struct {
	orch      *Orchestrator
	poller    *poller.Poller
	store     *storememory.Store
	notifier  *notifymemory.Notifier
	generator *fakeGenerator
	events    *recordingEmitter
	published *recordingPublisher
	metrics   *countingRecorder
	spans     *tracetest.SpanRecorder
}

func newHarness(t *testing.T, cfg Config, source *fakeSource) *harness {
	t.Helper()
	h := &harness{
		store:     storememory.New(),
		notifier:  notifymemory.New(),
		generator: &fakeGenerator{},
		events:    &recordingEmitter{},
		published: &recordingPublisher{},
		metrics:   &countingRecorder{},
		spans:     tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	scraper := &fakeScraper{data: map[string]pipeline.ProductData{
		"https://www.ikea.com/p/sofa": {
			Name: "EKTORP Sofa", Retailer: "ikea", Price: 499,
			Images: []string{"https://img.test/1.jpg", "https://img.test/2.jpg", "https://img.test/1.jpg"},
		},
		"https://www.ikea.com/p/partial": {
			Name: "LACK Table", Retailer: "ikea",
			Images: []string{"https://img.test/bad.jpg", "https://img.test/ok.jpg"},
		},
		"https://www.ikea.com/p/broken": {
			Name: "MALM Bed", Retailer: "ikea",
			Images: []string{"https://img.test/bad-1.jpg", "https://img.test/bad-2.jpg"},
		},
		"https://www.ikea.com/p/empty": {Name: "Ghost", Retailer: "ikea"},
	}}
	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = time.Millisecond
	}
	h.poller = poller.New(source, poller.Config{Loader: h.store})
	orch, err := New(cfg, Deps{
		Scraper:   scraper,
		Removal:   fakeRemoval{},
		Generator: h.generator,
		Runner:    runner.New(runner.Config{MaxConcurrency: 2}),
		Poller:    h.poller,
		Store:     h.store,
		Events:    h.events,
		Broadcast: h.published,
		Metrics:   h.metrics,
		Notifier:  h.notifier,
		IDs:       &seqIDs{},
		Tracer:    tp.Tracer("orchestrator-test"),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

// TestProcessProductAutoApprove runs a product through every stage.
func TestProcessProductAutoApprove(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true, TargetPolycount: 30000}, succeedingSource())
	p, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/sofa"})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductCompleted, p.Status)
	require.Equal(t, "https://assets.test/model.glb", p.ModelURL)
	require.Equal(t, "task-1", p.TaskID)
	require.Len(t, p.Images, 2)
	require.True(t, p.Images[0].Primary)
	require.InDelta(t, 2*0.02+0.30, p.Cost, 1e-9)

	var want []string
	for _, stage := range pipeline.Stages {
		want = append(want, string(stage)+":STARTED", string(stage)+":SUCCEEDED")
	}
	require.Equal(t, want, h.events.For(p.ID))

	stored, err := h.store.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductCompleted, stored.Status)

	task, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, task.State)
	require.Equal(t, p.ID, task.ProductID)

	msgs := h.notifier.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, pipeline.ProductCompleted, msgs[0].Status)
	require.Equal(t, [2]int{0, 1}, h.metrics.products)

	events := h.published.Events(p.ID)
	last, ok := events[len(events)-1].(broadcast.ProductUpdate)
	require.True(t, ok)
	require.Equal(t, 100, last.Progress)
	require.Equal(t, string(pipeline.ProductCompleted), last.Status)
}

// TestApprovalPausesAndResumes stops at pending_approval until Approve.
func TestApprovalPausesAndResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, succeedingSource())
	ctx := context.Background()
	p, err := h.orch.ProcessProduct(ctx, Request{URL: "https://www.ikea.com/p/sofa"})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductPendingApproval, p.Status)
	require.Empty(t, h.generator.Submitted())
	require.Empty(t, h.notifier.Messages())

	_, err = h.orch.Approve(ctx, p.ID, []string{"not-an-image"})
	require.ErrorIs(t, err, ErrNoApprovedImages)

	done, err := h.orch.Approve(ctx, p.ID, []string{p.Images[1].ID})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductCompleted, done.Status)
	require.Equal(t, [][]string{{"https://cdn.test/cutouts/" + p.Images[1].ID + ".png"}}, h.generator.Submitted())
	require.False(t, done.Images[0].Approved)
	require.True(t, done.Images[1].Approved)

	_, err = h.orch.Approve(ctx, p.ID, nil)
	require.ErrorIs(t, err, ErrNotPendingApproval)
}

// TestScrapeFailureFailsProduct records the failure and announces it.
func TestScrapeFailureFailsProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	p, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://example.com/nope"})
	require.Error(t, err)
	require.True(t, pipeline.IsInputFailure(err))
	require.Equal(t, pipeline.ProductFailed, p.Status)
	require.Equal(t, []string{"scraping:STARTED", "scraping:FAILED"}, h.events.For(p.ID))
	require.Equal(t, [2]int{1, 0}, h.metrics.stages["scraping"])
	require.Equal(t, [2]int{1, 0}, h.metrics.products)

	var sawError bool
	for _, evt := range h.published.Events(p.ID) {
		if e, ok := evt.(broadcast.ErrorEvent); ok {
			sawError = true
			require.Equal(t, pipeline.StageScraping, e.Stage)
		}
	}
	require.True(t, sawError)
	require.Equal(t, pipeline.ProductFailed, h.notifier.Messages()[0].Status)
}

// TestPartialRemovalContinues keeps going when some images fail.
func TestPartialRemovalContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	p, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/partial"})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductCompleted, p.Status)
	require.Empty(t, p.Images[0].ProcessedURL)
	require.False(t, p.Images[0].Approved)
	require.NotEmpty(t, p.Images[1].ProcessedURL)
	require.Len(t, h.generator.Submitted()[0], 1)
}

// TestAllRemovalFailuresFailProduct stops before approval.
func TestAllRemovalFailuresFailProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	p, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/broken"})
	require.Error(t, err)
	require.Equal(t, pipeline.ProductFailed, p.Status)
	require.Contains(t, p.Error, "corrupt image")
	require.Empty(t, h.generator.Submitted())
}

// TestNoImagesFailsSelection treats an imageless page as an input failure.
func TestNoImagesFailsSelection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	_, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/empty"})
	require.True(t, pipeline.IsInputFailure(err))
}

// TestVendorFailureFailsProduct maps a failed task onto a failed product.
func TestVendorFailureFailsProduct(t *testing.T) {
	t.Parallel()

	source := &fakeSource{sequence: []pipeline.VendorStatus{
		{Status: "IN_PROGRESS", Progress: 10},
		{Status: "FAILED", Error: "mesh collapsed"},
	}}
	h := newHarness(t, Config{AutoApprove: true}, source)
	p, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/sofa"})
	require.Error(t, err)
	require.Equal(t, pipeline.ProductFailed, p.Status)
	require.Contains(t, p.Error, "mesh collapsed")

	task, err := h.store.GetTask(context.Background(), p.TaskID)
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskFailed, task.State)
	require.Equal(t, [2]int{1, 0}, h.metrics.stages[string(pipeline.StageModelGeneration)])
}

// TestProcessRegisteredProduct reuses a pending record.
func TestProcessRegisteredProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, succeedingSource())
	ctx := context.Background()
	reg, err := h.orch.Register(ctx, Request{URL: "https://www.ikea.com/p/sofa"})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductPending, reg.Status)

	p, err := h.orch.ProcessProduct(ctx, Request{ProductID: reg.ID, URL: reg.URL})
	require.NoError(t, err)
	require.Equal(t, reg.ID, p.ID)
	require.Equal(t, reg.CreatedAt, p.CreatedAt)

	_, err = h.orch.ProcessProduct(ctx, Request{ProductID: reg.ID, URL: reg.URL})
	require.Error(t, err)
}

// TestProcessBatchCountsOutcomes never escalates product failures.
func TestProcessBatchCountsOutcomes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true, BatchFanOut: 2}, succeedingSource())
	res, err := h.orch.ProcessBatch(context.Background(), "batch-1", []string{
		"https://www.ikea.com/p/sofa",
		"https://example.com/nope",
		" ",
		"https://www.ikea.com/p/partial",
	})
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, res.Status)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 2, res.Successful)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.ProductIDs, 3)
	require.Equal(t, [2]int{0, 1}, h.metrics.batches)

	events := h.published.Events("batch-1")
	require.GreaterOrEqual(t, len(events), 5)
	last, ok := events[len(events)-1].(broadcast.BatchUpdate)
	require.True(t, ok)
	require.Equal(t, BatchCompleted, last.Status)
	require.Equal(t, 3, last.Processed)
}

// TestProcessBatchAllFailed reports a failed batch.
func TestProcessBatchAllFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	res, err := h.orch.ProcessBatch(context.Background(), "", []string{"https://example.com/a", "https://example.com/b"})
	require.Error(t, err)
	require.Equal(t, BatchFailed, res.Status)
	require.NotEmpty(t, res.BatchID)
	require.Equal(t, [2]int{1, 0}, h.metrics.batches)

	_, err = h.orch.ProcessBatch(context.Background(), "empty", nil)
	require.True(t, pipeline.IsInputFailure(err))
}

// TestSelectImages dedupes, caps, and marks the primary image.
func TestSelectImages(t *testing.T) {
	t.Parallel()

	imgs := selectImages("p1", []string{"a", " ", "b", "a", "c", "d"}, 3)
	require.Len(t, imgs, 3)
	require.Equal(t, "p1-img-1", imgs[0].ID)
	require.True(t, imgs[0].Primary)
	require.False(t, imgs[1].Primary)
	require.Equal(t, "c", imgs[2].SourceURL)
}

// TestGenerationURLsFallBackToSource avoids private blob URIs.
func TestGenerationURLsFallBackToSource(t *testing.T) {
	t.Parallel()

	urls := generationURLs([]pipeline.Image{
		{SourceURL: "https://img/1.jpg", ProcessedURL: "memory://cutouts/1.png"},
		{SourceURL: "https://img/2.jpg", ProcessedURL: "https://storage.googleapis.com/b/2.png"},
	})
	require.Equal(t, []string{"https://img/1.jpg", "https://storage.googleapis.com/b/2.png"}, urls)
}

// TestNewRequiresDeps rejects missing collaborators.
func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStageSpans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoApprove: true}, succeedingSource())
	_, err := h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/sofa"})
	require.NoError(t, err)

	ended := h.spans.Ended()
	require.Len(t, ended, len(pipeline.Stages))
	for i, stage := range pipeline.Stages {
		require.Equal(t, "stage "+string(stage), ended[i].Name())
		require.Equal(t, codes.Unset, ended[i].Status().Code)
		if stage == pipeline.StageModelGeneration {
			require.Len(t, h.generator.spans, 1)
			require.Equal(t, ended[i].SpanContext().SpanID(), h.generator.spans[0].SpanID())
		}
	}

	_, err = h.orch.ProcessProduct(context.Background(), Request{URL: "https://www.ikea.com/p/missing"})
	require.Error(t, err)
	ended = h.spans.Ended()
	last := ended[len(ended)-1]
	require.Equal(t, "stage "+string(pipeline.StageScraping), last.Name())
	require.Equal(t, codes.Error, last.Status().Code)
}

// cancelAwareStore fails writes once the context is done, like a database
// driver would.
type cancelAwareStore struct {
	*storememory.Store
}

func (s cancelAwareStore) SaveTask(ctx context.Context, task pipeline.ExternalTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveTask(ctx, task)
}

func terminalUpdates(h *harness, productID, taskID string) []broadcast.ProductUpdate {
	var out []broadcast.ProductUpdate
	for _, evt := range h.published.Events(productID) {
		if u, ok := evt.(broadcast.ProductUpdate); ok && u.TaskID == taskID && u.Status == string(pipeline.TaskSucceeded) {
			out = append(out, u)
		}
	}
	return out
}

// TestOnDemandCheckAfterRestartKeepsTaskOwnership checks a task persisted by a
// previous process and completed through a fresh poller.
func TestOnDemandCheckAfterRestartKeepsTaskOwnership(t *testing.T) {
	t.Parallel()

	source := &fakeSource{sequence: []pipeline.VendorStatus{
		{Status: "SUCCEEDED", Progress: 100, ModelURL: "https://assets.test/model.glb"},
	}}
	h := newHarness(t, Config{}, source)
	ctx := context.Background()
	require.NoError(t, h.store.SaveTask(ctx, pipeline.ExternalTask{
		ID: "t-1", ProductID: "p-1", State: pipeline.TaskRunning, Progress: 40, Cost: 0.30,
	}))

	task, err := h.poller.CheckOnce(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, task.State)

	stored, err := h.store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, stored.State)
	require.Equal(t, "p-1", stored.ProductID)
	require.InDelta(t, 0.30, stored.Cost, 1e-9)
	require.Equal(t, "https://assets.test/model.glb", stored.ModelURL)
	require.Len(t, terminalUpdates(h, "p-1", "t-1"), 1)
}

// TestTerminalTaskPersistsAfterCallerCancel persists and announces a terminal
// task even when the checking request has already gone away, filling in the
// owner from the stored record.
func TestTerminalTaskPersistsAfterCallerCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, succeedingSource())
	h.orch.deps.Store = cancelAwareStore{Store: h.store}
	require.NoError(t, h.store.SaveTask(context.Background(), pipeline.ExternalTask{
		ID: "t-2", ProductID: "p-2", State: pipeline.TaskRunning, Cost: 0.10,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.orch.onTaskTerminal(ctx, pipeline.ExternalTask{ID: "t-2", State: pipeline.TaskSucceeded, Progress: 100})

	stored, err := h.store.GetTask(context.Background(), "t-2")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskSucceeded, stored.State)
	require.Equal(t, "p-2", stored.ProductID)
	require.InDelta(t, 0.10, stored.Cost, 1e-9)
	require.Len(t, terminalUpdates(h, "p-2", "t-2"), 1)
}

// TestConcurrentApprovalsCreateOneTask rejects a second approval while the
// first is generating.
func TestConcurrentApprovalsCreateOneTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, succeedingSource())
	ctx := context.Background()
	p, err := h.orch.ProcessProduct(ctx, Request{URL: "https://www.ikea.com/p/sofa"})
	require.NoError(t, err)
	require.Equal(t, pipeline.ProductPendingApproval, p.Status)

	h.generator.entered = make(chan struct{})
	h.generator.release = make(chan struct{})
	type result struct {
		p   pipeline.Product
		err error
	}
	first := make(chan result, 1)
	go func() {
		done, err := h.orch.Approve(ctx, p.ID, nil)
		first <- result{done, err}
	}()
	<-h.generator.entered

	_, err = h.orch.Approve(ctx, p.ID, nil)
	require.ErrorIs(t, err, ErrNotPendingApproval)

	close(h.generator.release)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, pipeline.ProductCompleted, res.p.Status)
	require.Len(t, h.generator.Submitted(), 1)

	_, err = h.orch.Approve(ctx, p.ID, nil)
	require.ErrorIs(t, err, ErrNotPendingApproval)
}
