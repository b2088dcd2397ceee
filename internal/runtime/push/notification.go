package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrMalformedPayload marks push payloads that cannot become a notification.
var ErrMalformedPayload = errors.New("push: malformed payload")

// Action is a button offered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification mirrors the push payload produced by the application backend.
type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body,omitempty"`
	Icon               string          `json:"icon,omitempty"`
	Image              string          `json:"image,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	Actions            []Action        `json:"actions,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
	Silent             bool            `json:"silent,omitempty"`
	Vibrate            []int           `json:"vibrate,omitempty"`
}

// ParsePayload decodes a push payload. A payload without a title is malformed.
func ParsePayload(raw []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(n.Title) == "" {
		return Notification{}, fmt.Errorf("%w: title required", ErrMalformedPayload)
	}
	return n, nil
}

// Subscription is the push credential handed to the application backend.
type Subscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// Notifier displays and dismisses notifications on the platform.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// LogNotifier records notifications in the structured log. It is the
// notifier used when the agent runs without a desktop integration.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n LogNotifier) Show(_ context.Context, note Notification) error {
	n.logger().Info("notification shown",
		slog.String("title", note.Title),
		slog.String("tag", note.Tag),
		slog.Int("actions", len(note.Actions)),
		slog.Bool("require_interaction", note.RequireInteraction),
	)
	return nil
}

func (n LogNotifier) Close(_ context.Context, tag string) error {
	n.logger().Debug("notification closed", slog.String("tag", tag))
	return nil
}
