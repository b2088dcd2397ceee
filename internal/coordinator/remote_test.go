package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/runtime"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/push"
	"github.com/l0p7/offlinectl/internal/runtime/strategy"
	"github.com/l0p7/offlinectl/internal/server"
)

type notifierStub struct {
	mu    sync.Mutex
	shown []push.Notification
}

func (n *notifierStub) Show(_ context.Context, note push.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, note)
	return nil
}

func (n *notifierStub) Close(context.Context, string) error { return nil }

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

type liveAgent struct {
	agent    *runtime.Agent
	url      string
	notifier *notifierStub
}

func startAgent(t *testing.T, subscribeEndpoint string) *liveAgent {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}))
	t.Cleanup(origin.Close)

	fetcher, err := strategy.NewHTTPFetcher(origin.URL, origin.Client(), 0)
	require.NoError(t, err)
	notifier := &notifierStub{}
	agent, err := runtime.NewAgent(logger, runtime.AgentOptions{
		Cache:          cache.NewManager(cache.NewMemory(), logger, nil),
		Fetcher:        fetcher,
		APIPrefix:      "/api/",
		FetchTimeout:   time.Second,
		Notifier:       notifier,
		VAPIDPublicKey: "BPublicKey",

		SubscribeEndpoint: subscribeEndpoint,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close(context.Background()) })

	require.NoError(t, agent.Install(context.Background(), config.ManifestConfig{
		Version:     "v1",
		Precache:    []string{"/app.js"},
		OfflinePage: "/offline.html",
	}))

	srv := httptest.NewServer(server.NewAgentHandler(agent, nil))
	t.Cleanup(srv.Close)
	return &liveAgent{agent: agent, url: srv.URL, notifier: notifier}
}

func TestRemotePlatformEndToEnd(t *testing.T) {
	live := startAgent(t, "")

	var saved atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sub push.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		saved.Store(sub)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(backend.Close)

	var reloads atomic.Int32
	platform, err := NewRemotePlatform(RemoteOptions{
		AgentURL: live.url,
		PageURL:  "/portfolio",
		Decide: func(context.Context) (Permission, error) {
			return PermissionGranted, nil
		},
		OnReload: func(context.Context) error {
			reloads.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	c := New(Options{Platform: platform, Sink: HTTPSink{Endpoint: backend.URL}})
	ctx := context.Background()
	c.Init(ctx)
	t.Cleanup(c.Dispose)

	updates := make(chan Event, 4)
	c.Subscribe(EventUpdateAvailable, func(evt Event) { updates <- evt })

	require.NoError(t, c.RegisterAgent(ctx))
	require.Eventually(t, func() bool { return len(live.agent.Hub().Clients()) == 1 }, time.Second, 10*time.Millisecond)

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	size, err := c.CacheSize(reqCtx)
	require.NoError(t, err)
	require.Positive(t, size)

	require.NoError(t, live.agent.Install(ctx, config.ManifestConfig{Version: "v2", OfflinePage: "/offline.html"}))
	select {
	case evt := <-updates:
		require.Equal(t, "v2", evt.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("update-available not delivered")
	}
	require.True(t, c.UpdateAvailable())

	require.NoError(t, c.ApplyUpdate(ctx))
	require.Eventually(t, func() bool {
		active, ok := live.agent.Lifecycle().Active()
		return ok && active.ID == "v2"
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, reloads.Load())

	permission, err := c.RequestNotificationPermission(ctx)
	require.NoError(t, err)
	require.Equal(t, PermissionGranted, permission)
	sub, ok := saved.Load().(push.Subscription)
	require.True(t, ok)
	require.Equal(t, live.url+"/__agent/push", sub.Endpoint)
	require.Equal(t, "BPublicKey", sub.Keys["applicationServerKey"])

	require.NoError(t, c.ShowNotification(ctx, push.Notification{Title: "Message sent"}))
	require.Equal(t, 1, live.notifier.count())

	require.NoError(t, c.ClearCache(reqCtx))
	size, err = c.CacheSize(reqCtx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAdvertisedSubscriptionEndpointIsUsed(t *testing.T) {
	received := make(chan push.Subscription, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sub push.Subscription
		_ = json.NewDecoder(r.Body).Decode(&sub)
		received <- sub
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)
	live := startAgent(t, backend.URL+"/subscriptions")

	platform, err := NewRemotePlatform(RemoteOptions{
		AgentURL: live.url,
		Decide: func(context.Context) (Permission, error) {
			return PermissionGranted, nil
		},
	})
	require.NoError(t, err)
	c := New(Options{Platform: platform})
	c.Init(context.Background())
	t.Cleanup(c.Dispose)

	require.NoError(t, c.RegisterAgent(context.Background()))
	_, err = c.RequestNotificationPermission(context.Background())
	require.NoError(t, err)

	select {
	case sub := <-received:
		require.Equal(t, live.url+"/__agent/push", sub.Endpoint)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not handed to the advertised endpoint")
	}
}

func TestRemotePlatformRejectsNonHTTP(t *testing.T) {
	_, err := NewRemotePlatform(RemoteOptions{AgentURL: "ftp://agent"})
	require.Error(t, err)

	platform, err := NewRemotePlatform(RemoteOptions{AgentURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	permission, err := platform.RequestNotificationPermission(context.Background())
	require.NoError(t, err)
	require.Equal(t, PermissionDenied, permission)
	_, err = platform.Subscribe(context.Background())
	require.Error(t, err)
}

func TestHTTPSinkReportsRejection(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(backend.Close)

	err := HTTPSink{Endpoint: backend.URL}.Save(context.Background(), push.Subscription{Endpoint: "x"})
	require.ErrorContains(t, err, "403")
	require.Error(t, HTTPSink{}.Save(context.Background(), push.Subscription{}))
}
