package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/product-3d-pipeline/internal/orchestrator"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/queue"
	"github.com/JakeFAU/product-3d-pipeline/internal/queue/memory"
	"github.com/JakeFAU/product-3d-pipeline/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	proc := &countingProcessor{seen: make(chan string, 4)}
	workers := []*worker.Worker{
		worker.New(1, q, proc, nil, nil),
		worker.New(2, q, proc, nil, nil),
	}
	dispatch := New(q, workers)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"p1", "p2"} {
		if err := dispatch.Enqueue(ctx, queue.Job{Kind: queue.KindProduct, ProductID: id, URL: "https://shop.test/" + id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-proc.seen:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatalf("workers processed %v, want p1 and p2", got)
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	job := queue.Job{Kind: queue.KindProduct, ProductID: "p", URL: "u"}
	q := &mockQueue{}
	q.On("Enqueue", mock.Anything, job).Return(errors.New("boom")).Once()
	dispatch := New(q, nil)

	err := dispatch.Enqueue(context.Background(), job)
	if err == nil || err.Error() != "queue enqueue product job: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	q.AssertExpectations(t)
}

// TestDispatcherEnqueueClosedQueue keeps queue.ErrQueueClosed matchable for
// the HTTP surface.
func TestDispatcherEnqueueClosedQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	q.Close()
	err := New(q, nil).Enqueue(context.Background(), queue.Job{Kind: queue.KindApprove, ProductID: "p"})
	if !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

type countingProcessor struct {
	mu   sync.Mutex
	seen chan string
}

func (p *countingProcessor) ProcessProduct(_ context.Context, req orchestrator.Request) (pipeline.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen <- req.ProductID
	return pipeline.Product{ID: req.ProductID}, nil
}

func (p *countingProcessor) Approve(context.Context, string, []string) (pipeline.Product, error) {
	return pipeline.Product{}, nil
}

func (p *countingProcessor) ProcessBatch(context.Context, string, []string) (orchestrator.BatchResult, error) {
	return orchestrator.BatchResult{}, nil
}

// mockQueue is a testify mock of queue.Queue.
type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, job queue.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockQueue) Dequeue(ctx context.Context) (queue.Job, error) {
	args := m.Called(ctx)
	return args.Get(0).(queue.Job), args.Error(1)
}

func (m *mockQueue) Close() {
	m.Called()
}
