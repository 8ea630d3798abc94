package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Batch statuses reported in batch_update events.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// BatchResult summarizes a finished batch. Products paused for approval
// count as successful.
type BatchResult struct {
	BatchID    string
	Status     string
	Total      int
	Processed  int
	Successful int
	Failed     int
	ProductIDs []string
}

// ProcessBatch runs every url with at most the configured fan-out in flight.
// Product failures are counted, never propagated; the batch fails only when
// no product succeeds or ctx ends first.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string, urls []string) (BatchResult, error) {
	if batchID == "" {
		id, err := o.deps.IDs.NewID()
		if err != nil {
			return BatchResult{}, fmt.Errorf("generate batch id: %w", err)
		}
		batchID = id
	}
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	res := BatchResult{BatchID: batchID, Status: BatchProcessing, Total: len(clean), ProductIDs: make([]string, len(clean))}
	if len(clean) == 0 {
		return res, pipeline.InputFailure("orchestrator", fmt.Errorf("batch %s has no urls", batchID))
	}
	o.log.Info("processing batch", zap.String("batch_id", batchID), zap.Int("products", len(clean)))
	ctx, span := o.deps.Tracer.Start(ctx, "batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.total", len(clean)),
	))
	defer span.End()
	o.publishBatch(ctx, res)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchFanOut)
	for i, u := range clean {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p, err := o.ProcessProduct(gctx, Request{URL: u, BatchID: batchID})
			mu.Lock()
			res.ProductIDs[i] = p.ID
			res.Processed++
			if err != nil {
				res.Failed++
			} else {
				res.Successful++
			}
			snapshot := res
			mu.Unlock()
			o.publishBatch(ctx, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	res.Status = BatchCompleted
	var err error
	switch {
	case ctx.Err() != nil:
		res.Status = BatchFailed
		err = fmt.Errorf("batch %s interrupted: %w", batchID, ctx.Err())
	case res.Successful == 0:
		res.Status = BatchFailed
		err = fmt.Errorf("batch %s: all %d products failed", batchID, res.Total)
	}
	o.deps.Metrics.RecordBatch(err == nil, res.Processed)
	span.SetAttributes(attribute.Int("batch.successful", res.Successful), attribute.Int("batch.failed", res.Failed))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	o.publishBatch(ctx, res)
	o.log.Info("batch finished",
		zap.String("batch_id", batchID),
		zap.String("status", res.Status),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
	)
	return res, err
}

func (o *Orchestrator) publishBatch(ctx context.Context, res BatchResult) {
	o.publish(ctx, res.BatchID, broadcast.BatchUpdate{
		BatchID:    res.BatchID,
		Status:     res.Status,
		Total:      res.Total,
		Processed:  res.Processed,
		Successful: res.Successful,
		Failed:     res.Failed,
	})
}
