package bgsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/tasks"
)

// Work is the deferred job bound to a sync tag.
type Work func(ctx context.Context) error

// Handler runs the work registered for a tag once per connectivity signal.
// There is no retry loop: a failed run waits for the next signal.
type Handler struct {
	runner  *tasks.Runner
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu   sync.RWMutex
	work map[string]Work
}

func NewHandler(runner *tasks.Runner, logger *slog.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = tasks.NewRunner(logger, recorder)
	}
	return &Handler{
		runner:  runner,
		logger:  logger.With(slog.String("agent", "bgsync")),
		metrics: recorder,
		work:    make(map[string]Work),
	}
}

// Register binds fn to tag. A later registration replaces the earlier one.
func (h *Handler) Register(tag string, fn Work) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.work[tag] = fn
}

// Registered reports whether tag has work bound to it.
func (h *Handler) Registered(tag string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.work[tag]
	return ok
}

// Tags lists the registered tags in order.
func (h *Handler) Tags() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.work))
	for tag := range h.work {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Signal runs tag's work exactly once and reports whether work was found.
// Failures are logged through the task sink and never returned.
func (h *Handler) Signal(ctx context.Context, tag string) bool {
	h.mu.RLock()
	fn, ok := h.work[tag]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("sync signal without registration", slog.String("tag", tag))
		h.metrics.ObserveSync(tag, "unregistered")
		return false
	}
	result := "success"
	h.runner.Run(ctx, "sync:"+tag, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			result = "error"
		}
		return err
	})
	h.metrics.ObserveSync(tag, result)
	return true
}

// SignalAll signals every registered tag.
func (h *Handler) SignalAll(ctx context.Context) {
	for _, tag := range h.Tags() {
		h.Signal(ctx, tag)
	}
}
