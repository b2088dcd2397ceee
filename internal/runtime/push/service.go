package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/messaging"
)

const (
	// ActionUpdate applies a waiting agent version.
	ActionUpdate = "update"
	// ActionDismiss closes the notification and nothing else.
	ActionDismiss = "dismiss"
)

// Click describes a notification click delivered by the platform.
type Click struct {
	Action string          `json:"action,omitempty"`
	Tag    string          `json:"tag,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TargetURL is the page the click should land on, defaulting to "/".
func (c Click) TargetURL() string {
	if len(c.Data) == 0 {
		return "/"
	}
	var data struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(c.Data, &data); err != nil || strings.TrimSpace(data.URL) == "" {
		return "/"
	}
	return data.URL
}

// ActionFunc handles a click on a notification action button.
type ActionFunc func(ctx context.Context, click Click) error

// Broadcaster posts a message to every open window.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg messaging.Message) int
}

type Options struct {
	Notifier    Notifier
	Windows     Windows
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Service turns push payloads into notifications and routes clicks back to
// application windows. Its handlers never return errors to the event source.
type Service struct {
	notifier    Notifier
	windows     Windows
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "push"))
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	s := &Service{
		notifier:    notifier,
		windows:     opts.Windows,
		broadcaster: opts.Broadcaster,
		logger:      logger,
		metrics:     opts.Metrics,
		actions:     make(map[string]ActionFunc),
	}
	s.Register(ActionDismiss, func(context.Context, Click) error { return nil })
	return s
}

// Register binds fn to an action id, replacing any earlier handler.
func (s *Service) Register(action string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

func (s *Service) action(id string) (ActionFunc, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.actions[id]
	return fn, ok
}

// HandlePush shows the notification described by raw. Malformed payloads are
// logged and dropped.
func (s *Service) HandlePush(ctx context.Context, raw []byte) {
	note, err := ParsePayload(raw)
	if err != nil {
		s.logger.Warn("push payload dropped", slog.Any("error", err))
		s.metrics.ObservePush("push", "dropped")
		return
	}
	s.Show(ctx, note)
}

// Show displays note, logging failures.
func (s *Service) Show(ctx context.Context, note Notification) {
	if err := s.notifier.Show(ctx, note); err != nil {
		s.logger.Error("notification show failed", slog.String("title", note.Title), slog.Any("error", err))
		s.metrics.ObservePush("push", "error")
		return
	}
	s.metrics.ObservePush("push", "shown")
}

// HandleClick closes the clicked notification. A registered action runs its
// handler and is announced to open windows without focusing or opening any.
// Any other click focuses a window already on the target URL, or opens one,
// and posts the click to it.
func (s *Service) HandleClick(ctx context.Context, click Click) {
	if err := s.notifier.Close(ctx, click.Tag); err != nil {
		s.logger.Warn("notification close failed", slog.String("tag", click.Tag), slog.Any("error", err))
	}
	msg := messaging.Message{Type: messaging.NotificationClick, Action: click.Action, Data: click.Data}

	if fn, ok := s.action(click.Action); ok {
		if err := fn(ctx, click); err != nil {
			s.logger.Error("notification action failed", slog.String("action", click.Action), slog.Any("error", err))
			s.metrics.ObservePush("click", "error")
		} else {
			s.metrics.ObservePush("click", "action")
		}
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(ctx, msg)
		}
		return
	}

	if s.windows == nil {
		s.logger.Warn("notification click without window access", slog.String("action", click.Action))
		s.metrics.ObservePush("click", "error")
		return
	}

	target := click.TargetURL()
	var window Window
	for _, w := range s.windows.Windows(ctx) {
		if samePage(w.URL(), target) {
			window = w
			break
		}
	}
	result := "focused"
	if window != nil {
		if err := window.Focus(ctx); err != nil {
			s.logger.Warn("window focus failed", slog.String("window", window.ID()), slog.Any("error", err))
		}
	} else {
		opened, err := s.windows.Open(ctx, target)
		if err != nil {
			s.logger.Error("window open failed", slog.String("url", target), slog.Any("error", err))
			s.metrics.ObservePush("click", "error")
			return
		}
		window = opened
		result = "opened"
	}
	if err := window.Post(ctx, msg); err != nil {
		s.logger.Warn("notification click not delivered", slog.String("window", window.ID()), slog.Any("error", err))
	}
	s.metrics.ObservePush("click", result)
}
