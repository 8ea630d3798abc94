package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
)

// stageProgress is the overall progress reported when a stage starts.
var stageProgress = map[pipeline.Stage]int{
	pipeline.StageScraping:          5,
	pipeline.StageImageSelection:    20,
	pipeline.StageBackgroundRemoval: 30,
	pipeline.StageImageApproval:     50,
	pipeline.StageModelGeneration:   60,
	pipeline.StageModelOptimization: 92,
	pipeline.StageProductSave:       97,
}

// stageRun times one stage for one product. ctx carries the stage span;
// work done inside the stage uses it so downstream spans nest under it.
type stageRun struct {
	ctx   context.Context
	stage pipeline.Stage
	start time.Time
	span  trace.Span
}

func (r stageRun) end(err error, attrs ...attribute.KeyValue) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(attrs...)
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
}

func (o *Orchestrator) begin(ctx context.Context, p *pipeline.Product, stage pipeline.Stage) stageRun {
	now := o.deps.Clock.Now()
	stageCtx, span := o.deps.Tracer.Start(ctx, "stage "+string(stage), trace.WithAttributes(
		attribute.String("product.id", p.ID),
		attribute.String("batch.id", p.BatchID),
		attribute.String("pipeline.stage", string(stage)),
	))
	o.deps.Events.Emit(progress.Event{
		ProductID: p.ID,
		BatchID:   p.BatchID,
		TS:        now,
		Stage:     stage,
		Outcome:   progress.OutcomeStarted,
	})
	o.publish(ctx, p.ID, broadcast.ProductUpdate{
		ProductID: p.ID,
		Stage:     stage,
		Status:    string(pipeline.ProductProcessing),
		Progress:  stageProgress[stage],
	})
	return stageRun{ctx: stageCtx, stage: stage, start: now, span: span}
}

// outcome describes a finished stage.
type outcome struct {
	skipped bool
	cost    float64
	items   int
	note    string
}

func (o *Orchestrator) succeed(ctx context.Context, p *pipeline.Product, run stageRun, res outcome) {
	now := o.deps.Clock.Now()
	kind := progress.OutcomeSucceeded
	if res.skipped {
		kind = progress.OutcomeSkipped
	}
	o.deps.Events.Emit(progress.Event{
		ProductID: p.ID,
		BatchID:   p.BatchID,
		TS:        now,
		Stage:     run.stage,
		Outcome:   kind,
		Cost:      res.cost,
		Items:     res.items,
		Dur:       nonNegative(now.Sub(run.start)),
		Note:      res.note,
	})
	o.deps.Metrics.RecordStage(string(run.stage), true, res.cost)
	run.end(nil,
		attribute.Bool("stage.skipped", res.skipped),
		attribute.Float64("stage.cost", res.cost),
		attribute.Int("stage.items", res.items),
	)
	p.Cost += res.cost
	o.publish(ctx, p.ID, broadcast.ProductUpdate{
		ProductID:  p.ID,
		Stage:      run.stage,
		Status:     string(p.Status),
		Progress:   nextProgress(run.stage),
		Message:    res.note,
		Cost:       res.cost,
		ImageCount: res.items,
	})
}

// fail closes the stage as failed, marks the product failed, persists it,
// and announces the failure. It returns err for the caller to propagate.
// Cancellation of ctx does not stop the bookkeeping.
func (o *Orchestrator) fail(ctx context.Context, p *pipeline.Product, run stageRun, err error) error {
	ctx = context.WithoutCancel(ctx)
	now := o.deps.Clock.Now()
	o.deps.Events.Emit(progress.Event{
		ProductID: p.ID,
		BatchID:   p.BatchID,
		TS:        now,
		Stage:     run.stage,
		Outcome:   progress.OutcomeFailed,
		Dur:       nonNegative(now.Sub(run.start)),
		Note:      err.Error(),
	})
	o.deps.Metrics.RecordStage(string(run.stage), false, 0)
	o.deps.Metrics.RecordProduct(false)
	run.end(err, attribute.Bool("failure.input", pipeline.IsInputFailure(err)))

	p.Status = pipeline.ProductFailed
	p.Error = err.Error()
	if serr := o.save(ctx, p); serr != nil {
		o.log.Error("persist failed product", zap.String("product_id", p.ID), zap.Error(serr))
	}
	o.log.Warn("product failed",
		zap.String("product_id", p.ID),
		zap.String("stage", string(run.stage)),
		zap.Bool("input_failure", pipeline.IsInputFailure(err)),
		zap.Error(err),
	)
	o.publish(ctx, p.ID, broadcast.ErrorEvent{ProductID: p.ID, Stage: run.stage, Error: err.Error()})
	o.notify(ctx, p)
	return err
}

// failed is fail for call sites that return the product alongside the error.
func (o *Orchestrator) failed(ctx context.Context, p *pipeline.Product, run stageRun, err error) (pipeline.Product, error) {
	err = o.fail(ctx, p, run, err)
	return *p, err
}

// publish detaches from ctx cancellation; the broadcaster bounds each write
// on its own and a cancelled caller must not prune live observers.
func (o *Orchestrator) publish(ctx context.Context, entityID string, evt broadcast.Event) {
	ctx = context.WithoutCancel(ctx)
	o.deps.Metrics.RecordEvent(string(evt.Kind()))
	if _, err := o.deps.Broadcast.Publish(ctx, entityID, evt); err != nil {
		o.log.Warn("publish event", zap.String("entity_id", entityID), zap.String("kind", string(evt.Kind())), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, p *pipeline.Product) {
	if o.deps.Notifier == nil {
		return
	}
	n := pipeline.Notification{
		ProductID: p.ID,
		BatchID:   p.BatchID,
		Status:    p.Status,
		ModelURL:  p.ModelURL,
		Cost:      p.Cost,
		Error:     p.Error,
		Timestamp: o.deps.Clock.Now(),
	}
	if _, err := o.deps.Notifier.Notify(ctx, n); err != nil {
		o.log.Warn("notify product outcome", zap.String("product_id", p.ID), zap.Error(err))
	}
}

func (o *Orchestrator) save(ctx context.Context, p *pipeline.Product) error {
	p.UpdatedAt = o.deps.Clock.Now()
	return o.deps.Store.SaveProduct(ctx, *p)
}

func nextProgress(stage pipeline.Stage) int {
	for i, s := range pipeline.Stages {
		if s == stage && i+1 < len(pipeline.Stages) {
			return stageProgress[pipeline.Stages[i+1]]
		}
	}
	return 100
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
