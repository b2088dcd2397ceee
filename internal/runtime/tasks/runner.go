package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/offlinectl/internal/metrics"
)

// ErrStopped is returned by Go once the runner has been shut down.
var ErrStopped = errors.New("tasks: runner stopped")

// Func is a unit of detached work. The context is cancelled when the runner
// is shut down.
type Func func(ctx context.Context) error

// Runner executes fire-and-forget work outside the caller's lifetime. Every
// failure, including panics, ends up in Report.
type Runner struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner builds a runner whose tasks outlive the request that spawned them.
func NewRunner(logger *slog.Logger, recorder *metrics.Recorder) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger.With(slog.String("agent", "tasks")),
		metrics: recorder,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go starts fn on its own goroutine and returns immediately.
func (r *Runner) Go(name string, fn Func) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.Report(name, r.run(fn))
	}()
	return nil
}

// Run executes fn synchronously under the same error handling as Go.
func (r *Runner) Run(ctx context.Context, name string, fn Func) {
	r.Report(name, r.runWith(ctx, fn))
}

func (r *Runner) run(fn Func) error {
	return r.runWith(r.ctx, fn)
}

func (r *Runner) runWith(ctx context.Context, fn Func) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tasks: panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Report is the single sink for background failures.
func (r *Runner) Report(name string, err error) {
	r.metrics.ObserveTask(name, err)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Debug("background task cancelled", slog.String("task", name))
		return
	}
	r.logger.Warn("background task failed", slog.String("task", name), slog.Any("error", err))
}

// Shutdown stops accepting work and waits for running tasks. When ctx expires
// first the remaining tasks are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until every started task has returned. Used by tests.
func (r *Runner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
