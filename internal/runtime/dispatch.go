package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/lifecycle"
	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/routing"
)

// HandleMessage answers one message received from a client window. It never
// fails; problems are logged and, for requests, reported in the reply.
func (a *Agent) HandleMessage(ctx context.Context, client *messaging.Client, msg messaging.Message) {
	logger := a.logger.With(slog.String("client", client.ID()), slog.String("type", string(msg.Type)))
	switch msg.Type {
	case messaging.SkipWaiting:
		if err := a.lifecycle.SkipWaiting(ctx); err != nil {
			if errors.Is(err, lifecycle.ErrNoWaiting) {
				logger.Debug("skip waiting ignored", slog.Any("error", err))
				return
			}
			logger.Warn("skip waiting failed", slog.Any("error", err))
		}
	case messaging.PreloadResources:
		urls := append([]string(nil), msg.URLs...)
		if err := a.runner.Go("preload", func(ctx context.Context) error {
			return a.preload(ctx, client, urls)
		}); err != nil {
			logger.Warn("preload not scheduled", slog.Any("error", err))
		}
	case messaging.ClearCache:
		reply := msg.Reply()
		if err := a.cache.Clear(ctx); err != nil {
			logger.Warn("cache clear failed", slog.Any("error", err))
			reply.Error = err.Error()
		}
		a.reply(ctx, client, msg, reply)
	case messaging.GetCacheSize:
		reply := msg.Reply()
		size, err := a.cache.Size(ctx)
		if err != nil {
			logger.Warn("cache size failed", slog.Any("error", err))
			reply.Error = err.Error()
			size = 0
		}
		reply.Size = &size
		a.reply(ctx, client, msg, reply)
	default:
		logger.Debug("agent event ignored")
	}
}

func (a *Agent) reply(ctx context.Context, client *messaging.Client, req, reply messaging.Message) {
	if req.ID == "" {
		return
	}
	if err := client.Post(ctx, reply); err != nil {
		a.logger.Debug("reply not delivered", slog.String("client", client.ID()), slog.Any("error", err))
	}
}

// preload fetches urls into the active version's runtime bucket and tells the
// requesting window which ones were stored.
func (a *Agent) preload(ctx context.Context, client *messaging.Client, urls []string) error {
	version, ok := a.lifecycle.Active()
	if !ok {
		return errors.New("runtime: preload without an active version")
	}
	bucket := version.Table.StaticBucketFor(routing.RuntimeBase)

	var (
		stored []string
		errs   []error
	)
	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("preload %s: %w", url, err))
			continue
		}
		resp, err := a.fetcher.Fetch(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("preload %s: %w", url, err))
			continue
		}
		if !resp.OK() || !cache.Storable(resp.Header) {
			errs = append(errs, fmt.Errorf("preload %s: status %d not stored", url, resp.Status))
			continue
		}
		key := cache.NewRequestKey(http.MethodGet, req.URL.RequestURI())
		entry := cache.Entry{Method: key.Method, URL: key.URL, Response: resp, StoredAt: time.Now().UTC()}
		if err := a.cache.Put(ctx, bucket, key, entry, cache.ExpirationPolicy{}); err != nil {
			errs = append(errs, err)
			continue
		}
		stored = append(stored, url)
	}
	if len(stored) > 0 && client != nil {
		if err := client.Post(ctx, messaging.Message{Type: messaging.CacheUpdated, URLs: stored}); err != nil {
			a.logger.Debug("preload result not delivered", slog.Any("error", err))
		}
	}
	return errors.Join(errs...)
}
