package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/runner"
)

// maxGenerationImages is the most cutouts sent to the generation vendor.
const maxGenerationImages = 4

// Request identifies one product to process. ProductID may be empty, in
// which case a new id is generated.
type Request struct {
	ProductID string
	URL       string
	BatchID   string
}

// Register persists a pending product for req and returns it. Callers that
// hand processing to a queue use it so the product is visible immediately.
func (o *Orchestrator) Register(ctx context.Context, req Request) (pipeline.Product, error) {
	if strings.TrimSpace(req.URL) == "" {
		return pipeline.Product{}, pipeline.InputFailure("orchestrator", errors.New("product url is required"))
	}
	id := req.ProductID
	if id == "" {
		var err error
		if id, err = o.deps.IDs.NewID(); err != nil {
			return pipeline.Product{}, fmt.Errorf("generate product id: %w", err)
		}
	}
	now := o.deps.Clock.Now()
	p := pipeline.Product{
		ID:        id,
		BatchID:   req.BatchID,
		URL:       strings.TrimSpace(req.URL),
		Status:    pipeline.ProductPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.SaveProduct(ctx, p); err != nil {
		return pipeline.Product{}, fmt.Errorf("register product: %w", err)
	}
	return p, nil
}

// ProcessProduct runs req through acquisition, selection, and removal. The
// product then pauses in pending_approval, or continues to generation when
// auto-approve is on. The returned product reflects the last persisted
// state; a non-nil error means the product failed.
func (o *Orchestrator) ProcessProduct(ctx context.Context, req Request) (pipeline.Product, error) {
	p, err := o.load(ctx, req)
	if err != nil {
		return pipeline.Product{}, err
	}
	p.Status = pipeline.ProductProcessing
	if err := o.save(ctx, &p); err != nil {
		return p, fmt.Errorf("mark product processing: %w", err)
	}
	o.log.Info("processing product", zap.String("product_id", p.ID), zap.String("url", p.URL), zap.String("batch_id", p.BatchID))

	run := o.begin(ctx, &p, pipeline.StageScraping)
	data, err := o.deps.Scraper.Scrape(run.ctx, p.URL)
	if err != nil {
		return o.failed(ctx, &p, run, fmt.Errorf("scrape %s: %w", p.URL, err))
	}
	applyData(&p, data)
	note := data.Retailer
	if data.Mock {
		note = "mock data for " + data.Retailer
	}
	o.succeed(ctx, &p, run, outcome{items: len(data.Images), note: note})

	run = o.begin(ctx, &p, pipeline.StageImageSelection)
	p.Images = selectImages(p.ID, data.Images, o.cfg.MaxImages)
	if len(p.Images) == 0 {
		return o.failed(ctx, &p, run, pipeline.InputFailure("selection", fmt.Errorf("no usable images on %s", p.URL)))
	}
	o.succeed(ctx, &p, run, outcome{items: len(p.Images)})
	if err := o.save(ctx, &p); err != nil {
		o.log.Warn("persist selected images", zap.String("product_id", p.ID), zap.Error(err))
	}

	return o.removeBackgrounds(ctx, &p)
}

func (o *Orchestrator) load(ctx context.Context, req Request) (pipeline.Product, error) {
	if req.ProductID != "" {
		p, err := o.deps.Store.GetProduct(ctx, req.ProductID)
		switch {
		case err == nil:
			if p.Status != pipeline.ProductPending {
				return pipeline.Product{}, fmt.Errorf("product %s is %s, not pending", p.ID, p.Status)
			}
			if p.URL == "" {
				p.URL = req.URL
			}
			return p, nil
		case !errors.Is(err, pipeline.ErrNotFound):
			return pipeline.Product{}, fmt.Errorf("load product %s: %w", req.ProductID, err)
		}
	}
	return o.Register(ctx, req)
}

func (o *Orchestrator) removeBackgrounds(ctx context.Context, p *pipeline.Product) (pipeline.Product, error) {
	run := o.begin(ctx, p, pipeline.StageBackgroundRemoval)
	units := make([]pipeline.UnitJob, len(p.Images))
	for i, img := range p.Images {
		units[i] = pipeline.UnitJob{Index: i, Input: pipeline.Input{ID: img.ID, URL: img.SourceURL}}
	}
	results, err := o.deps.Runner.RunBatch(run.ctx, units, o.deps.Removal, o.cfg.RemovalConcurrency)
	if err != nil {
		return o.failed(ctx, p, run, fmt.Errorf("background removal batch: %w", err))
	}

	summary := runner.Summarize(results)
	var firstErr string
	for _, res := range results {
		img := &p.Images[res.Index]
		img.Provider = res.ProviderID
		if res.Success {
			img.ProcessedURL = res.Output.URL
			continue
		}
		if firstErr == "" {
			firstErr = res.Detail
		}
	}
	if summary.Succeeded == 0 {
		return o.failed(ctx, p, run, fmt.Errorf("background removal failed for all %d images: %s", summary.Total, firstErr))
	}
	o.succeed(ctx, p, run, outcome{
		skipped: summary.Skipped == summary.Total,
		cost:    summary.Cost,
		items:   summary.Succeeded,
		note:    fmt.Sprintf("%d/%d processed, %d skipped", summary.Succeeded, summary.Total, summary.Skipped),
	})
	return o.awaitApproval(ctx, p)
}

func (o *Orchestrator) awaitApproval(ctx context.Context, p *pipeline.Product) (pipeline.Product, error) {
	run := o.begin(ctx, p, pipeline.StageImageApproval)
	if o.cfg.AutoApprove {
		approved := approve(p, nil)
		o.succeed(ctx, p, run, outcome{items: approved, note: "auto-approved"})
		if err := o.save(ctx, p); err != nil {
			o.log.Warn("persist approval", zap.String("product_id", p.ID), zap.Error(err))
		}
		return o.generate(ctx, p)
	}

	p.Status = pipeline.ProductPendingApproval
	if err := o.save(ctx, p); err != nil {
		return o.failed(ctx, p, run, fmt.Errorf("persist pending approval: %w", err))
	}
	o.publish(ctx, p.ID, broadcast.ProductUpdate{
		ProductID:  p.ID,
		Stage:      pipeline.StageImageApproval,
		Status:     string(p.Status),
		Progress:   stageProgress[pipeline.StageImageApproval],
		Message:    "awaiting image approval",
		ImageCount: len(p.Images),
	})
	run.end(nil, attribute.Bool("approval.pending", true))
	o.log.Info("product awaiting approval", zap.String("product_id", p.ID), zap.Int("images", len(p.Images)))
	return *p, nil
}

// Approve marks imageIDs as approved and continues the product through
// generation, optimization, and save. An empty imageIDs approves every
// processed image. Only images with a cutout can be approved. Concurrent
// approvals of one product are rejected while the first is in flight.
func (o *Orchestrator) Approve(ctx context.Context, productID string, imageIDs []string) (pipeline.Product, error) {
	if _, busy := o.approving.LoadOrStore(productID, struct{}{}); busy {
		return pipeline.Product{}, fmt.Errorf("%w: %s approval already in progress", ErrNotPendingApproval, productID)
	}
	defer o.approving.Delete(productID)

	p, err := o.deps.Store.GetProduct(ctx, productID)
	if err != nil {
		return pipeline.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	if p.Status != pipeline.ProductPendingApproval {
		return p, fmt.Errorf("%w: %s is %s", ErrNotPendingApproval, productID, p.Status)
	}
	pending := p
	p.Images = append([]pipeline.Image(nil), p.Images...)
	approved := approve(&p, imageIDs)
	if approved == 0 {
		return pending, fmt.Errorf("%w: %s", ErrNoApprovedImages, productID)
	}

	run := stageRun{ctx: ctx, stage: pipeline.StageImageApproval, start: pending.UpdatedAt}
	p.Status = pipeline.ProductProcessing
	o.succeed(ctx, &p, run, outcome{items: approved})
	if err := o.save(ctx, &p); err != nil {
		o.log.Warn("persist approval", zap.String("product_id", p.ID), zap.Error(err))
	}
	return o.generate(ctx, &p)
}

func (o *Orchestrator) generate(ctx context.Context, p *pipeline.Product) (pipeline.Product, error) {
	run := o.begin(ctx, p, pipeline.StageModelGeneration)
	urls := generationURLs(p.ApprovedImages())
	taskID, err := o.deps.Generator.CreateTask(run.ctx, urls)
	if err != nil {
		return o.failed(ctx, p, run, fmt.Errorf("create generation task: %w", err))
	}
	cost := o.deps.Generator.Cost()
	p.TaskID = taskID
	task := pipeline.ExternalTask{
		ID:        taskID,
		ProductID: p.ID,
		State:     pipeline.TaskQueued,
		Cost:      cost,
		UpdatedAt: o.deps.Clock.Now(),
	}
	if err := o.deps.Store.SaveTask(ctx, task); err != nil {
		o.log.Warn("persist generation task", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := o.save(ctx, p); err != nil {
		o.log.Warn("persist task reference", zap.String("product_id", p.ID), zap.Error(err))
	}
	o.deps.Poller.Track(task)

	watch := o.cfg.Watch
	base := stageProgress[pipeline.StageModelGeneration]
	span := stageProgress[pipeline.StageModelOptimization] - base
	onProgress := watch.OnProgress
	watch.OnProgress = func(t pipeline.ExternalTask) {
		o.publish(ctx, p.ID, broadcast.ProductUpdate{
			ProductID: p.ID,
			Stage:     pipeline.StageModelGeneration,
			Status:    string(pipeline.ProductProcessing),
			Progress:  base + t.Progress*span/100,
			TaskID:    t.ID,
		})
		if onProgress != nil {
			onProgress(t)
		}
	}
	final, err := o.deps.Poller.Watch(run.ctx, taskID, watch)
	if err != nil {
		return o.failed(ctx, p, run, fmt.Errorf("watch generation task: %w", err))
	}
	if final.State == pipeline.TaskFailed {
		return o.failed(ctx, p, run, fmt.Errorf("generation task %s failed: %s", taskID, final.Error))
	}
	p.ModelURL = final.ModelURL
	p.ThumbnailURL = final.ThumbnailURL
	o.succeed(ctx, p, run, outcome{cost: cost, items: len(urls), note: "task " + taskID})

	run = o.begin(ctx, p, pipeline.StageModelOptimization)
	o.succeed(ctx, p, run, outcome{items: 1, note: fmt.Sprintf("target_polycount=%d", o.cfg.TargetPolycount)})

	return o.complete(ctx, p)
}

func (o *Orchestrator) complete(ctx context.Context, p *pipeline.Product) (pipeline.Product, error) {
	run := o.begin(ctx, p, pipeline.StageProductSave)
	p.Status = pipeline.ProductCompleted
	p.Error = ""
	if err := o.save(run.ctx, p); err != nil {
		return o.failed(ctx, p, run, fmt.Errorf("save product: %w", err))
	}
	o.succeed(ctx, p, run, outcome{items: 1})
	o.deps.Metrics.RecordProduct(true)
	o.publish(ctx, p.ID, broadcast.ProductUpdate{
		ProductID:    p.ID,
		Stage:        pipeline.StageProductSave,
		Status:       string(p.Status),
		Progress:     100,
		Cost:         p.Cost,
		TaskID:       p.TaskID,
		ModelURL:     p.ModelURL,
		ThumbnailURL: p.ThumbnailURL,
	})
	o.notify(ctx, p)
	o.log.Info("product completed",
		zap.String("product_id", p.ID),
		zap.String("model_url", p.ModelURL),
		zap.Float64("cost", p.Cost),
	)
	return *p, nil
}

// onTaskTerminal persists the final task record and announces it. It runs
// once per task, whether the terminal state was seen by Watch or by an
// on-demand check.
func (o *Orchestrator) onTaskTerminal(ctx context.Context, task pipeline.ExternalTask) {
	ctx = context.WithoutCancel(ctx)
	if task.ProductID == "" {
		// the poller saw this task without its persisted record
		if stored, err := o.deps.Store.GetTask(ctx, task.ID); err == nil {
			task.ProductID = stored.ProductID
			if task.Cost == 0 {
				task.Cost = stored.Cost
			}
		}
	}
	if err := o.deps.Store.SaveTask(ctx, task); err != nil {
		o.log.Error("persist terminal task", zap.String("task_id", task.ID), zap.Error(err))
	}
	if task.ProductID == "" {
		return
	}
	o.publish(ctx, task.ProductID, broadcast.ProductUpdate{
		ProductID:    task.ProductID,
		Stage:        pipeline.StageModelGeneration,
		Status:       string(task.State),
		Progress:     task.Progress,
		Message:      task.Error,
		TaskID:       task.ID,
		ModelURL:     task.ModelURL,
		ThumbnailURL: task.ThumbnailURL,
	})
}

func applyData(p *pipeline.Product, data pipeline.ProductData) {
	p.Name = data.Name
	p.Brand = data.Brand
	p.Retailer = data.Retailer
	p.Category = data.Category
	p.Price = data.Price
	p.Dimensions = data.Dimensions
	p.Mock = data.Mock
}

// selectImages keeps up to limit unique image URLs in order; the first is
// primary.
func selectImages(productID string, urls []string, limit int) []pipeline.Image {
	seen := make(map[string]struct{}, len(urls))
	out := make([]pipeline.Image, 0, min(len(urls), limit))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, pipeline.Image{
			ID:        fmt.Sprintf("%s-img-%d", productID, len(out)+1),
			SourceURL: u,
			Primary:   len(out) == 0,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

// approve flags images in ids (all when ids is empty) that have a cutout and
// clears the rest. It returns the number approved.
func approve(p *pipeline.Product, ids []string) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	approved := 0
	for i := range p.Images {
		img := &p.Images[i]
		_, picked := want[img.ID]
		img.Approved = img.ProcessedURL != "" && (len(ids) == 0 || picked)
		if img.Approved {
			approved++
		}
	}
	return approved
}

// generationURLs prefers publicly reachable cutouts and falls back to the
// source image when the cutout lives in a private store.
func generationURLs(images []pipeline.Image) []string {
	urls := make([]string, 0, maxGenerationImages)
	for _, img := range images {
		u := img.ProcessedURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			u = img.SourceURL
		}
		urls = append(urls, u)
		if len(urls) == maxGenerationImages {
			break
		}
	}
	return urls
}
