package coordinator

import (
	"context"
	"errors"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/push"
)

var (
	// ErrUnsupported is returned when the platform cannot host an agent or
	// no agent is registered.
	ErrUnsupported = errors.New("coordinator: agent unsupported")
	// ErrNoPrompt is returned by PromptInstall when no prompt was captured.
	ErrNoPrompt = errors.New("coordinator: no install prompt available")
)

// Permission is the notification permission decision.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Platform is the host the application runs on.
type Platform interface {
	Supported() bool
	Register(ctx context.Context) (Registration, error)
	NotificationPermission() Permission
	RequestNotificationPermission(ctx context.Context) (Permission, error)
	Subscribe(ctx context.Context) (push.Subscription, error)
	Reload(ctx context.Context) error
}

// Registration is a live connection to a registered agent.
type Registration interface {
	// Waiting is the installed version awaiting activation at registration
	// time, if any.
	Waiting() string
	Post(ctx context.Context, msg messaging.Message) error
	// Messages delivers agent messages until the registration closes.
	Messages() <-chan messaging.Message
	ShowNotification(ctx context.Context, n push.Notification) error
	Close() error
}

// InstallPrompt is the deferred install prompt captured from the platform.
// It can be shown once.
type InstallPrompt interface {
	Prompt(ctx context.Context) (accepted bool, err error)
}

// SubscriptionSink hands push subscriptions to the application backend.
type SubscriptionSink interface {
	Save(ctx context.Context, sub push.Subscription) error
}
