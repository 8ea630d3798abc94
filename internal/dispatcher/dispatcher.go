// Package dispatcher manages worker fan-out over the job queue. The HTTP
// surface enqueues product, approve, and batch jobs through it; each worker
// dequeues one queue.Job at a time and routes it by Kind to the orchestrator.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/product-3d-pipeline/internal/queue"
	"github.com/JakeFAU/product-3d-pipeline/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue hands job to the worker pool. Queue errors keep their identity, so
// callers can still match queue.ErrQueueClosed.
func (d *Dispatcher) Enqueue(ctx context.Context, job queue.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue %s job: %w", job.Kind, err)
	}
	return nil
}
