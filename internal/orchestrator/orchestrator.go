// Package orchestrator sequences a product through the pipeline stages:
// acquisition, image selection, background removal, approval, generation,
// optimization, and persistence. It composes the runner, poller,
// broadcaster, metrics aggregator, and progress hub; its own concurrency
// policy is limited to the batch fan-out and a per-product approval claim.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/poller"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
)

var (
	// ErrNotPendingApproval is returned when approving a product that is not
	// waiting for approval.
	ErrNotPendingApproval = errors.New("product is not pending approval")
	// ErrNoApprovedImages is returned when an approval selects no usable
	// cutouts.
	ErrNoApprovedImages = errors.New("no processed images approved")
)

// Publisher delivers events to observers of an entity.
type Publisher interface {
	Publish(ctx context.Context, entityID string, evt broadcast.Event) (int, error)
}

// Recorder receives stage, product, and batch outcomes.
type Recorder interface {
	RecordStage(stage string, success bool, cost float64)
	RecordProduct(success bool)
	RecordBatch(success bool, products int)
	RecordEvent(kind string)
}

// BatchRunner executes per-image unit jobs.
type BatchRunner interface {
	RunBatch(ctx context.Context, units []pipeline.UnitJob, provider pipeline.Provider, maxConcurrency int) ([]pipeline.JobResult, error)
}

// Generator submits generation tasks and prices them.
type Generator interface {
	pipeline.TaskCreator
	Cost() float64
}

// TaskWatcher tracks generation tasks to completion.
type TaskWatcher interface {
	Track(task pipeline.ExternalTask)
	Watch(ctx context.Context, taskID string, cfg poller.WatchConfig) (pipeline.ExternalTask, error)
	OnTerminal(fn poller.TerminalFunc)
}

// Config holds orchestration knobs.
//   - MaxImages: candidate images kept after selection (default 4).
//   - RemovalConcurrency: ceiling handed to the runner (0 uses its default).
//   - AutoApprove: skip the manual approval pause.
//   - BatchFanOut: products processed concurrently in a batch (default 3).
//   - TargetPolycount: recorded by the optimization stage.
//   - Watch: cadence for generation task polling.
type Config struct {
	MaxImages          int
	RemovalConcurrency int
	AutoApprove        bool
	BatchFanOut        int
	TargetPolycount    int
	Watch              poller.WatchConfig
}

// Deps are the collaborators. Scraper, Removal, Generator, Runner, Poller,
// and Store are required.
type Deps struct {
	Scraper   pipeline.Scraper
	Removal   pipeline.Provider
	Generator Generator
	Runner    BatchRunner
	Poller    TaskWatcher
	Store     pipeline.Store
	Events    progress.Emitter
	Broadcast Publisher
	Metrics   Recorder
	Notifier  pipeline.Notifier
	Clock     pipeline.Clock
	IDs       pipeline.IDGenerator
	Logger    *zap.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Orchestrator runs products through the pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	// product IDs with an Approve in flight
	approving sync.Map
}

// New validates deps and registers the generation terminal hook on the
// poller.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Scraper == nil:
		return nil, errors.New("orchestrator: scraper is required")
	case deps.Removal == nil:
		return nil, errors.New("orchestrator: removal provider is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case deps.Runner == nil:
		return nil, errors.New("orchestrator: runner is required")
	case deps.Poller == nil:
		return nil, errors.New("orchestrator: poller is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 4
	}
	if cfg.BatchFanOut <= 0 {
		cfg.BatchFanOut = 3
	}
	if deps.Events == nil {
		deps.Events = nopEmitter{}
	}
	if deps.Broadcast == nil {
		deps.Broadcast = nopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/product-3d-pipeline/internal/orchestrator")
	}
	o := &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}
	deps.Poller.OnTerminal(o.onTaskTerminal)
	return o, nil
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, broadcast.Event) (int, error) { return 0, nil }

type nopRecorder struct{}

func (nopRecorder) RecordStage(string, bool, float64) {}
func (nopRecorder) RecordProduct(bool)                {}
func (nopRecorder) RecordBatch(bool, int)             {}
func (nopRecorder) RecordEvent(string)                {}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
