package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// ErrUnknownTask is returned when checking a task that was never tracked and
// the poller is configured to reject strangers.
var ErrUnknownTask = errors.New("poller: unknown task")

// TerminalFunc runs once per task, on the first check that observes a
// terminal state.
type TerminalFunc func(ctx context.Context, task pipeline.ExternalTask)

// TaskLoader fetches a persisted task record. pipeline.Store satisfies it.
type TaskLoader interface {
	GetTask(ctx context.Context, id string) (pipeline.ExternalTask, error)
}

// Config controls the Poller.
//   - States: vendor status lookup (defaults to DefaultStateTable).
//   - ProgressFloor: minimum progress reported for unknown vendor states.
//   - CheckTimeout: deadline applied to each status source call.
//   - RequireTracked: reject CheckOnce for tasks neither tracked nor loadable.
//   - Loader: seeds untracked tasks from persistence, e.g. after a restart.
type Config struct {
	States         StateTable
	ProgressFloor  int
	CheckTimeout   time.Duration
	RequireTracked bool
	Loader         TaskLoader
	Clock          pipeline.Clock
	Logger         *zap.Logger
}

type entry struct {
	task    pipeline.ExternalTask
	claimed bool
}

// Poller owns the canonical ExternalTask records.
type Poller struct {
	source     pipeline.StatusSource
	cfg        Config
	onTerminal []TerminalFunc
	logger     *zap.Logger

	mu    sync.Mutex
	tasks map[string]*entry
}

// New constructs a Poller over source. Terminal hooks run in registration
// order.
func New(source pipeline.StatusSource, cfg Config, hooks ...TerminalFunc) *Poller {
	if cfg.States == nil {
		cfg.States = DefaultStateTable()
	}
	cfg.ProgressFloor = clampProgress(cfg.ProgressFloor)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source:     source,
		cfg:        cfg,
		onTerminal: append([]TerminalFunc(nil), hooks...),
		logger:     logger,
		tasks:      make(map[string]*entry),
	}
}

// OnTerminal registers another terminal hook.
func (p *Poller) OnTerminal(fn TerminalFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminal = append(p.onTerminal, fn)
}

// Track registers a freshly created task in the Queued state. Tracking an
// already known task is a no-op.
func (p *Poller) Track(task pipeline.ExternalTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[task.ID]; ok {
		return
	}
	if task.State == "" {
		task.State = pipeline.TaskQueued
	}
	task.UpdatedAt = p.now()
	p.tasks[task.ID] = &entry{task: task, claimed: task.State.Terminal()}
}

// Task returns the cached record without contacting the source.
func (p *Poller) Task(taskID string) (pipeline.ExternalTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tasks[taskID]
	if !ok {
		return pipeline.ExternalTask{}, false
	}
	return e.task, true
}

// load seeds an untracked task from the Loader. It reports whether the task is
// now tracked.
func (p *Poller) load(ctx context.Context, taskID string) (bool, error) {
	if p.cfg.Loader == nil {
		return false, nil
	}
	stored, err := p.cfg.Loader.GetTask(ctx, taskID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[taskID]; !ok {
		if stored.State == "" {
			stored.State = pipeline.TaskQueued
		}
		p.tasks[taskID] = &entry{task: stored, claimed: stored.State.Terminal()}
	}
	return true, nil
}

// CheckOnce performs one status check. Terminal tasks are returned from cache
// without calling the source. Untracked tasks are seeded from the Loader
// first so persisted ownership and cost survive. A source error leaves state
// untouched and is returned wrapped; pipeline.IsTransient reports whether to
// retry.
func (p *Poller) CheckOnce(ctx context.Context, taskID string) (pipeline.ExternalTask, error) {
	if _, tracked := p.Task(taskID); !tracked {
		if _, err := p.load(ctx, taskID); err != nil {
			return pipeline.ExternalTask{}, err
		}
	}

	p.mu.Lock()
	e, ok := p.tasks[taskID]
	if ok && e.task.State.Terminal() {
		task := e.task
		p.mu.Unlock()
		return task, nil
	}
	if !ok && p.cfg.RequireTracked {
		p.mu.Unlock()
		return pipeline.ExternalTask{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	p.mu.Unlock()

	status, err := p.fetch(ctx, taskID)
	if err != nil {
		current, _ := p.Task(taskID)
		return current, fmt.Errorf("check task %s: %w", taskID, err)
	}

	state, known := p.cfg.States.Map(status.Status)
	if !known {
		p.logger.Warn("unrecognized vendor task status",
			zap.String("task_id", taskID),
			zap.String("vendor_status", status.Status),
		)
	}

	p.mu.Lock()
	e, ok = p.tasks[taskID]
	if !ok {
		e = &entry{task: pipeline.ExternalTask{ID: taskID, State: pipeline.TaskQueued}}
		p.tasks[taskID] = e
	}
	if e.task.State.Terminal() {
		// a concurrent check got there first
		task := e.task
		p.mu.Unlock()
		return task, nil
	}
	p.apply(&e.task, status, state, known)
	claim := state.Terminal() && !e.claimed
	if claim {
		e.claimed = true
	}
	task := e.task
	hooks := append([]TerminalFunc(nil), p.onTerminal...)
	p.mu.Unlock()

	if claim {
		p.logger.Info("task reached terminal state",
			zap.String("task_id", task.ID),
			zap.String("state", string(task.State)),
		)
		// hooks run once; detach them from the caller's deadline
		hookCtx := context.WithoutCancel(ctx)
		for _, fn := range hooks {
			fn(hookCtx, task)
		}
	}
	return task, nil
}

func (p *Poller) fetch(ctx context.Context, taskID string) (pipeline.VendorStatus, error) {
	if p.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CheckTimeout)
		defer cancel()
	}
	status, err := p.source.GetStatus(ctx, taskID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !pipeline.IsTransient(err) {
			return pipeline.VendorStatus{}, pipeline.Transient(err)
		}
		return pipeline.VendorStatus{}, err
	}
	return status, nil
}

func (p *Poller) apply(task *pipeline.ExternalTask, status pipeline.VendorStatus, state pipeline.TaskState, known bool) {
	progress := clampProgress(status.Progress)
	if !known && progress < p.cfg.ProgressFloor {
		progress = p.cfg.ProgressFloor
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	switch state {
	case pipeline.TaskSucceeded:
		progress = 100
		task.ModelURL = status.ModelURL
		task.ThumbnailURL = status.ThumbnailURL
	case pipeline.TaskFailed:
		task.Error = status.Error
		if task.Error == "" {
			task.Error = fmt.Sprintf("vendor reported %s", status.Status)
		}
	}
	task.State = state
	task.Progress = progress
	task.VendorStatus = status.Status
	task.UpdatedAt = p.now()
}

func (p *Poller) now() time.Time {
	if p.cfg.Clock != nil {
		return p.cfg.Clock.Now()
	}
	return time.Now()
}
