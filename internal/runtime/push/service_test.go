package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
)

type fakeNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
	err    error
}

func (n *fakeNotifier) Show(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, note)
	return nil
}

func (n *fakeNotifier) Close(_ context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tag)
	return nil
}

type fakeWindow struct {
	id      string
	url     string
	focused int
	posts   []messaging.Message
}

func (w *fakeWindow) ID() string  { return w.id }
func (w *fakeWindow) URL() string { return w.url }

func (w *fakeWindow) Focus(context.Context) error {
	w.focused++
	return nil
}

func (w *fakeWindow) Post(_ context.Context, msg messaging.Message) error {
	w.posts = append(w.posts, msg)
	return nil
}

type fakeWindows struct {
	open   []*fakeWindow
	opened []string
}

func (f *fakeWindows) Windows(context.Context) []Window {
	out := make([]Window, 0, len(f.open))
	for _, w := range f.open {
		out = append(out, w)
	}
	return out
}

func (f *fakeWindows) Open(_ context.Context, url string) (Window, error) {
	f.opened = append(f.opened, url)
	w := &fakeWindow{id: "new", url: url}
	f.open = append(f.open, w)
	return w, nil
}

type fakeBroadcaster struct {
	msgs []messaging.Message
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, msg messaging.Message) int {
	b.msgs = append(b.msgs, msg)
	return 1
}

func TestParsePayload(t *testing.T) {
	note, err := ParsePayload([]byte(`{"title":"Deploy","body":"v2 is live","icon":"/i.png","actions":[{"action":"update","title":"Update"}],"requireInteraction":true,"vibrate":[100,50],"data":{"url":"/news"}}`))
	require.NoError(t, err)
	require.Equal(t, "Deploy", note.Title)
	require.Equal(t, "v2 is live", note.Body)
	require.True(t, note.RequireInteraction)
	require.Equal(t, []int{100, 50}, note.Vibrate)
	require.Len(t, note.Actions, 1)
	require.JSONEq(t, `{"url":"/news"}`, string(note.Data))

	_, err = ParsePayload([]byte(`{"body":"no title"}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
	_, err = ParsePayload([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHandlePushShowsOrDrops(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := New(Options{Notifier: notifier})

	svc.HandlePush(context.Background(), []byte(`{"title":"Hello","tag":"greet","silent":true}`))
	svc.HandlePush(context.Background(), []byte(`{"title":""}`))
	svc.HandlePush(context.Background(), []byte(`{`))

	require.Len(t, notifier.shown, 1)
	require.Equal(t, "greet", notifier.shown[0].Tag)
	require.True(t, notifier.shown[0].Silent)

	notifier.err = errors.New("display unavailable")
	require.NotPanics(t, func() {
		svc.HandlePush(context.Background(), []byte(`{"title":"Again"}`))
	})
}

func TestUpdateClickSkipsWaitingOnceWithoutWindowActions(t *testing.T) {
	notifier := &fakeNotifier{}
	windows := &fakeWindows{open: []*fakeWindow{{id: "a", url: "/"}}}
	broadcaster := &fakeBroadcaster{}
	svc := New(Options{Notifier: notifier, Windows: windows, Broadcaster: broadcaster})

	skips := 0
	svc.Register(ActionUpdate, func(context.Context, Click) error {
		skips++
		return nil
	})

	svc.HandleClick(context.Background(), Click{Action: ActionUpdate, Tag: "update"})

	require.Equal(t, 1, skips)
	require.Empty(t, windows.opened)
	require.Zero(t, windows.open[0].focused)
	require.Empty(t, windows.open[0].posts)
	require.Equal(t, []string{"update"}, notifier.closed)
	require.Len(t, broadcaster.msgs, 1)
	require.Equal(t, messaging.NotificationClick, broadcaster.msgs[0].Type)
	require.Equal(t, ActionUpdate, broadcaster.msgs[0].Action)
}

func TestClickFocusesMatchingWindow(t *testing.T) {
	home := &fakeWindow{id: "home", url: "http://app.local/"}
	news := &fakeWindow{id: "news", url: "http://app.local/news"}
	windows := &fakeWindows{open: []*fakeWindow{home, news}}
	svc := New(Options{Notifier: &fakeNotifier{}, Windows: windows})

	svc.HandleClick(context.Background(), Click{Data: json.RawMessage(`{"url":"/news"}`)})

	require.Equal(t, 1, news.focused)
	require.Zero(t, home.focused)
	require.Empty(t, windows.opened)
	require.Len(t, news.posts, 1)
	require.Equal(t, messaging.NotificationClick, news.posts[0].Type)
	require.JSONEq(t, `{"url":"/news"}`, string(news.posts[0].Data))
}

func TestClickOpensWindowWhenNoneMatches(t *testing.T) {
	windows := &fakeWindows{open: []*fakeWindow{{id: "home", url: "/"}}}
	svc := New(Options{Notifier: &fakeNotifier{}, Windows: windows})

	svc.HandleClick(context.Background(), Click{Action: "view", Data: json.RawMessage(`{"url":"/orders/7"}`)})

	require.Equal(t, []string{"/orders/7"}, windows.opened)
	opened := windows.open[1]
	require.Len(t, opened.posts, 1)
	require.Equal(t, "view", opened.posts[0].Action)
}

func TestClickTargetDefaultsToRoot(t *testing.T) {
	require.Equal(t, "/", Click{}.TargetURL())
	require.Equal(t, "/", Click{Data: json.RawMessage(`"junk"`)}.TargetURL())
	require.Equal(t, "/x", Click{Data: json.RawMessage(`{"url":"/x"}`)}.TargetURL())
}

func TestDismissClickDoesNothingElse(t *testing.T) {
	windows := &fakeWindows{open: []*fakeWindow{{id: "home", url: "/"}}}
	svc := New(Options{Notifier: &fakeNotifier{}, Windows: windows})

	svc.HandleClick(context.Background(), Click{Action: ActionDismiss})

	require.Empty(t, windows.opened)
	require.Zero(t, windows.open[0].focused)
}

func TestHubWindowsDeliverToPendingWindow(t *testing.T) {
	hub := messaging.NewHub(nil)
	var openedURL string
	windows := NewHubWindows(hub, func(_ context.Context, url string) error {
		openedURL = url
		return nil
	})
	svc := New(Options{Notifier: &fakeNotifier{}, Windows: windows})

	svc.HandleClick(context.Background(), Click{Data: json.RawMessage(`{"url":"/inbox"}`)})
	require.Equal(t, "/inbox", openedURL)

	agentSide, windowSide := messaging.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx, agentSide, "/inbox", nil) }()

	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	defer recvCancel()
	msg, err := windowSide.Receive(recvCtx)
	require.NoError(t, err)
	require.Equal(t, messaging.NotificationClick, msg.Type)

	require.Eventually(t, func() bool { return len(windows.Windows(ctx)) == 1 }, time.Second, 5*time.Millisecond)
	openedURL = ""
	svc.HandleClick(ctx, Click{Data: json.RawMessage(`{"url":"/inbox"}`)})
	msg, err = windowSide.Receive(recvCtx)
	require.NoError(t, err)
	require.Equal(t, messaging.NotificationClick, msg.Type)
	require.Empty(t, openedURL)
	require.True(t, hub.Clients()[0].Focused())
}
