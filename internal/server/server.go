package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/offlinectl/internal/config"
)

// DrainTimeout bounds how long in-flight requests may finish after ctx ends.
const DrainTimeout = 5 * time.Second

// Server runs the agent's HTTP listener. WriteTimeout stays unset because
// message channels are long-lived.
type Server struct {
	logger *slog.Logger
	http   *http.Server
	ready  chan struct{}
	bound  net.Addr
	stop   sync.Once
}

// New prepares a listener for handler on the configured address. onShutdown
// hooks run as draining starts; message channels are hijacked connections
// that http.Server.Shutdown leaves open unless a hook closes them.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler, onShutdown ...func()) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	for _, hook := range onShutdown {
		if hook != nil {
			srv.RegisterOnShutdown(hook)
		}
	}
	return &Server{
		logger: logger.With(slog.String("agent", "server")),
		http:   srv,
		ready:  make(chan struct{}),
	}, nil
}

// Addr blocks until the listener is bound and returns its address. With port
// 0 this is the only way to learn the chosen port.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.bound, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run binds the listener and serves until ctx ends or serving fails. A
// cancelled ctx drains connections for up to DrainTimeout and returns ctx.Err().
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	s.bound = ln.Addr()
	close(s.ready)
	s.logger.Info("agent listening", slog.String("address", s.bound.String()))

	served := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	if err := s.drain(drainCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) drain(ctx context.Context) error {
	var err error
	s.stop.Do(func() {
		s.logger.Info("agent draining connections")
		if err = s.http.Shutdown(ctx); err != nil {
			err = fmt.Errorf("server: shutdown: %w", err)
		}
	})
	return err
}
