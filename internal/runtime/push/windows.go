package push

import (
	"context"
	"net/url"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
)

// Window is an open application window.
type Window interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	Post(ctx context.Context, msg messaging.Message) error
}

// Windows enumerates and opens application windows.
type Windows interface {
	Windows(ctx context.Context) []Window
	Open(ctx context.Context, url string) (Window, error)
}

// Opener asks the platform to show url in a new window.
type Opener func(ctx context.Context, url string) error

// HubWindows exposes the hub's connected clients as windows. Opened windows
// receive their posts once they attach at the requested URL.
type HubWindows struct {
	hub    *messaging.Hub
	opener Opener
}

func NewHubWindows(hub *messaging.Hub, opener Opener) *HubWindows {
	return &HubWindows{hub: hub, opener: opener}
}

func (w *HubWindows) Windows(context.Context) []Window {
	clients := w.hub.Clients()
	out := make([]Window, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out
}

func (w *HubWindows) Open(ctx context.Context, target string) (Window, error) {
	if w.opener != nil {
		if err := w.opener(ctx, target); err != nil {
			return nil, err
		}
	}
	return pendingWindow{url: target, hub: w.hub}, nil
}

type pendingWindow struct {
	url string
	hub *messaging.Hub
}

func (p pendingWindow) ID() string                  { return "pending:" + p.url }
func (p pendingWindow) URL() string                 { return p.url }
func (p pendingWindow) Focus(context.Context) error { return nil }

func (p pendingWindow) Post(_ context.Context, msg messaging.Message) error {
	p.hub.Defer(p.url, msg)
	return nil
}

// samePage compares window locations by path and query so absolute and
// relative forms of one page match.
func samePage(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	pa, pb := ua.Path, ub.Path
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return pa == pb && ua.RawQuery == ub.RawQuery
}
