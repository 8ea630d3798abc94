// Package worker implements the job execution loop that drives the
// orchestrator from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/orchestrator"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/queue"
)

// Processor is the orchestrator surface a worker needs.
type Processor interface {
	ProcessProduct(ctx context.Context, req orchestrator.Request) (pipeline.Product, error)
	Approve(ctx context.Context, productID string, imageIDs []string) (pipeline.Product, error)
	ProcessBatch(ctx context.Context, batchID string, urls []string) (orchestrator.BatchResult, error)
}

// Gauge tracks busy workers; metrics.Collectors implements it.
type Gauge interface {
	IncActiveWorkers()
	DecActiveWorkers()
}

// Worker consumes queue jobs and executes them one at a time.
type Worker struct {
	id        int
	queue     queue.Queue
	processor Processor
	gauge     Gauge
	logger    *zap.Logger
}

// New constructs a Worker. gauge and logger may be nil.
func New(id int, q queue.Queue, processor Processor, gauge Gauge, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     q,
		processor: processor,
		gauge:     gauge,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue jobs until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("kind", string(job.Kind)),
			zap.String("product_id", job.ProductID),
			zap.String("batch_id", job.BatchID),
		)
		if err := w.Handle(ctx, job); err != nil {
			w.logger.Warn("job finished with error",
				zap.String("kind", string(job.Kind)),
				zap.String("product_id", job.ProductID),
				zap.String("batch_id", job.BatchID),
				zap.Error(err),
			)
		}
	}
}

// Handle executes one job. Product failures are already recorded by the
// orchestrator; the returned error is for logging only.
func (w *Worker) Handle(ctx context.Context, job queue.Job) (err error) {
	if w.gauge != nil {
		w.gauge.IncActiveWorkers()
		defer w.gauge.DecActiveWorkers()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
			w.logger.Error("job panicked", zap.String("kind", string(job.Kind)), zap.Any("panic", rec))
		}
	}()

	switch job.Kind {
	case queue.KindProduct:
		_, err = w.processor.ProcessProduct(ctx, orchestrator.Request{
			ProductID: job.ProductID,
			URL:       job.URL,
			BatchID:   job.BatchID,
		})
	case queue.KindApprove:
		_, err = w.processor.Approve(ctx, job.ProductID, job.ImageIDs)
	case queue.KindBatch:
		_, err = w.processor.ProcessBatch(ctx, job.BatchID, job.URLs)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return err
}
