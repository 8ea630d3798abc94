// Package runner executes batches of independent unit jobs against a provider
// with a concurrency ceiling, preserving submission order in the results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// SkipProviderID labels results produced by the pre-condition short-circuit.
const SkipProviderID = "skip"

// ErrSlotUnavailable is returned when no concurrency slot could be acquired
// within the configured bound. It is the only batch-fatal condition.
var ErrSlotUnavailable = errors.New("runner: no concurrency slot available")

// Config controls batch execution.
//   - MaxConcurrency: default ceiling when RunBatch receives <= 0 (default 3).
//   - Stagger: minimum spacing between unit admissions (0 disables).
//   - AcquireTimeout: bound on waiting for a slot (0 waits on ctx only).
//   - UnitTimeout: per-unit provider deadline (0 disables).
type Config struct {
	MaxConcurrency int
	Stagger        time.Duration
	AcquireTimeout time.Duration
	UnitTimeout    time.Duration
	Clock          pipeline.Clock
	Logger         *zap.Logger
}

// Runner executes unit jobs. It is safe for concurrent use; each RunBatch call
// gets its own semaphore.
type Runner struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New constructs a Runner.
func New(cfg Config) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, clock: clock, logger: logger}
}

// RunBatch executes units against provider with at most maxConcurrency calls
// in flight. The result slice has the same length and order as units. Unit
// failures are recorded in their result; only slot exhaustion or a cancelled
// ctx before admission aborts the batch, after in-flight units finish.
func (r *Runner) RunBatch(
	ctx context.Context,
	units []pipeline.UnitJob,
	provider pipeline.Provider,
	maxConcurrency int,
) ([]pipeline.JobResult, error) {
	if provider == nil {
		return nil, errors.New("runner: provider is required")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = r.cfg.MaxConcurrency
	}
	results := make([]pipeline.JobResult, len(units))
	if len(units) == 0 {
		return results, nil
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var limiter *rate.Limiter
	if r.cfg.Stagger > 0 {
		limiter = rate.NewLimiter(rate.Every(r.cfg.Stagger), 1)
	}

	var wg sync.WaitGroup
	var fatal error
	for i, unit := range units {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				fatal = fmt.Errorf("runner stagger: %w", err)
				break
			}
		}
		if err := r.acquire(ctx, sem); err != nil {
			fatal = err
			break
		}
		wg.Add(1)
		go func(pos int, unit pipeline.UnitJob) {
			defer wg.Done()
			defer sem.Release(1)
			results[pos] = r.runUnit(ctx, pos, unit, provider)
		}(i, unit)
	}
	wg.Wait()
	if fatal != nil {
		r.logger.Error("batch aborted", zap.String("provider", provider.Name()), zap.Error(fatal))
		return nil, fatal
	}
	return results, nil
}

func (r *Runner) acquire(ctx context.Context, sem *semaphore.Weighted) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("runner acquire: %w", ctx.Err())
		}
		return fmt.Errorf("%w after %s", ErrSlotUnavailable, r.cfg.AcquireTimeout)
	}
	return nil
}

func (r *Runner) runUnit(ctx context.Context, pos int, unit pipeline.UnitJob, provider pipeline.Provider) (res pipeline.JobResult) {
	res = pipeline.JobResult{Index: unit.Index, ProviderID: provider.Name()}
	defer func() {
		if rec := recover(); rec != nil {
			res.Success = false
			res.Err = fmt.Errorf("provider panic: %v", rec)
			res.Detail = res.Err.Error()
			r.logger.Error("provider panicked", zap.String("provider", provider.Name()), zap.Int("unit", pos), zap.Any("panic", rec))
		}
	}()

	if skipper, ok := provider.(pipeline.Skipper); ok && skipper.Skip(ctx, unit.Input) {
		res.Success = true
		res.Skipped = true
		res.ProviderID = SkipProviderID
		res.Output = pipeline.Output{URL: unit.Input.URL, ContentType: unit.Input.ContentType}
		return res
	}

	unitCtx := ctx
	if r.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, r.cfg.UnitTimeout)
		defer cancel()
	}
	start := r.clock.Now()
	out, err := provider.Process(unitCtx, unit.Input)
	res.Elapsed = r.clock.Now().Sub(start)
	if err != nil {
		res.Err = err
		res.Detail = err.Error()
		r.logger.Warn("unit failed",
			zap.String("provider", provider.Name()),
			zap.Int("unit", pos),
			zap.String("input", unit.Input.ID),
			zap.Error(err),
		)
		return res
	}
	res.Success = true
	res.Output = out
	res.Cost = out.Cost
	return res
}

// Summary aggregates a batch's results.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Cost      float64
	Elapsed   time.Duration
}

// Summarize totals results for reporting.
func Summarize(results []pipeline.JobResult) Summary {
	s := Summary{Total: len(results)}
	for _, res := range results {
		switch {
		case res.Skipped:
			s.Skipped++
			s.Succeeded++
		case res.Success:
			s.Succeeded++
		default:
			s.Failed++
		}
		s.Cost += res.Cost
		s.Elapsed += res.Elapsed
	}
	return s
}
