package bgsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/strategy"
)

// Monitor probes the origin and signals every registered tag when
// connectivity comes back.
type Monitor struct {
	fetcher  strategy.Fetcher
	handler  *Handler
	path     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
}

func NewMonitor(fetcher strategy.Fetcher, handler *Handler, path string, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	timeout := interval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		fetcher:  fetcher,
		handler:  handler,
		path:     path,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(slog.String("agent", "connectivity")),
		online:   true,
	}
}

// Online reports the result of the latest probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once, signalling all tags on an offline to online transition.
// Any HTTP response counts as reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	online := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.path, nil)
	if err == nil {
		_, err = m.fetcher.Fetch(probeCtx, req)
		online = err == nil
	}

	m.mu.Lock()
	restored := online && !m.online
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", slog.Bool("online", online))
	}
	if restored && m.handler != nil {
		m.handler.SignalAll(ctx)
	}
	return online
}

// Run probes on every interval until ctx ends. A zero interval disables it.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
