package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// ErrWatchExhausted is returned when a task stays non-terminal for MaxChecks.
var ErrWatchExhausted = errors.New("poller: task did not finish within the check budget")

// WatchConfig is the cadence a Watch loop applies.
//   - Interval: wait between successful non-terminal checks.
//   - MaxChecks: total checks before giving up (0 means until ctx ends).
//   - Retry: policy for failed checks (defaults to NewExponentialBackoff).
//   - OnProgress: called after each successful non-terminal check.
type WatchConfig struct {
	Interval   time.Duration
	MaxChecks  int
	Retry      RetryPolicy
	OnProgress func(task pipeline.ExternalTask)
}

// Watch calls CheckOnce until the task is terminal, a non-retryable error
// occurs, the check budget runs out, or ctx ends. Abandoning a Watch leaves
// the task record intact for later checks.
func (p *Poller) Watch(ctx context.Context, taskID string, cfg WatchConfig) (pipeline.ExternalTask, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = NewExponentialBackoff()
	}
	failures := 0
	for checks := 1; ; checks++ {
		task, err := p.CheckOnce(ctx, taskID)
		var wait time.Duration
		switch {
		case err != nil:
			if !cfg.Retry.ShouldRetry(err, failures) {
				return task, err
			}
			wait = cfg.Retry.Backoff(failures)
			failures++
		case task.State.Terminal():
			return task, nil
		default:
			failures = 0
			if cfg.OnProgress != nil {
				cfg.OnProgress(task)
			}
			wait = cfg.Interval
		}
		if cfg.MaxChecks > 0 && checks >= cfg.MaxChecks {
			return task, fmt.Errorf("%w: %s after %d checks", ErrWatchExhausted, taskID, checks)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return task, fmt.Errorf("watch task %s: %w", taskID, ctx.Err())
		case <-timer.C:
		}
	}
}
