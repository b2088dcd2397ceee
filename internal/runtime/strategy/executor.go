package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/routing"
	"github.com/l0p7/offlinectl/internal/runtime/tasks"
)

// Source names where a strategy's response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	// SourceAgent marks responses the agent produced without consulting the
	// origin or the cache, such as rejected uploads.
	SourceAgent Source = "agent"
)

// ErrRequestTooLarge marks request bodies above the configured size limit.
// Such requests are answered with 413 and never forwarded or queued.
var ErrRequestTooLarge = errors.New("strategy: request body exceeds limit")

// Result is the outcome of executing one rule for one request.
type Result struct {
	Response cache.Response
	Source   Source
	// Stale is set when a cached entry older than the rule's max age was served.
	Stale bool
	Rule  routing.Rule
}

// Fallback produces the substitute response once network and cache both fail.
type Fallback interface {
	Respond(ctx context.Context, r *http.Request) cache.Response
}

// DeferredQueue stores failed requests for replay under a sync tag.
type DeferredQueue interface {
	Enqueue(ctx context.Context, tag string, r *http.Request, body []byte) error
}

// UpdateFunc is told when a background refresh replaced a cached body with
// different content.
type UpdateFunc func(ctx context.Context, bucket, url string)

// Options configures an Executor.
type Options struct {
	Cache    *cache.Manager
	Fetcher  Fetcher
	Fallback Fallback
	Tasks    *tasks.Runner
	Queue    DeferredQueue
	OnUpdate UpdateFunc
	Logger   *slog.Logger
	// Timeout bounds each network fetch unless the rule sets its own. Zero
	// disables the bound.
	Timeout time.Duration
	MaxBody int64
	Now     func() time.Time
}

// Executor runs the five caching strategies.
type Executor struct {
	cache    *cache.Manager
	fetcher  Fetcher
	fallback Fallback
	tasks    *tasks.Runner
	queue    DeferredQueue
	onUpdate UpdateFunc
	logger   *slog.Logger
	timeout  time.Duration
	maxBody  int64
	now      func() time.Time

	refreshes singleflight.Group
}

// New validates opts and builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Cache == nil {
		return nil, errors.New("strategy: cache manager required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: fetcher required")
	}
	if opts.Fallback == nil {
		return nil, errors.New("strategy: fallback provider required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Tasks
	if runner == nil {
		runner = tasks.NewRunner(logger, nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Executor{
		cache:    opts.Cache,
		fetcher:  opts.Fetcher,
		fallback: opts.Fallback,
		tasks:    runner,
		queue:    opts.Queue,
		onUpdate: opts.OnUpdate,
		logger:   logger.With(slog.String("agent", "strategy")),
		timeout:  opts.Timeout,
		maxBody:  maxBody,
		now:      now,
	}, nil
}

// Execute applies rule to r. It always returns a response.
func (e *Executor) Execute(ctx context.Context, r *http.Request, rule routing.Rule) Result {
	body, err := e.bufferBody(r)
	if errors.Is(err, ErrRequestTooLarge) {
		e.logger.Warn("request body rejected", slog.String("path", r.URL.Path), slog.Int64("limit", e.maxBody))
		return Result{
			Response: cache.Response{
				Status: http.StatusRequestEntityTooLarge,
				Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
				Body:   []byte("request body exceeds limit\n"),
			},
			Source: SourceAgent,
			Rule:   rule,
		}
	}
	if err != nil {
		e.logger.Warn("request body unreadable", slog.String("path", r.URL.Path), slog.Any("error", err))
		return e.fallbackResult(ctx, r, rule)
	}
	key := cache.NewRequestKey(r.Method, r.URL.RequestURI())

	switch rule.Strategy {
	case routing.CacheFirst:
		return e.cacheFirst(ctx, r, rule, key)
	case routing.NetworkFirst:
		return e.networkFirst(ctx, r, rule, key)
	case routing.StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, r, rule, key)
	case routing.CacheOnly:
		return e.cacheOnly(ctx, r, rule, key)
	default:
		return e.networkOnly(ctx, r, rule, body)
	}
}

func (e *Executor) cacheFirst(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey) Result {
	policy := rule.Expiration.Policy()
	entry, cached := e.cache.Get(ctx, rule.Bucket, key)
	if cached && !policy.Stale(entry, e.now()) {
		return Result{Response: entry.Response, Source: SourceCache, Rule: rule}
	}
	return e.networkThenCache(ctx, r, rule, key, entry, cached)
}

func (e *Executor) networkFirst(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey) Result {
	return e.networkThenCache(ctx, r, rule, key, cache.Entry{}, false)
}

// networkThenCache fetches, stores on success, and otherwise falls back to
// the supplied entry, a fresh lookup, or the fallback provider.
func (e *Executor) networkThenCache(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey, entry cache.Entry, looked bool) Result {
	resp, err := e.fetch(ctx, r, rule)
	if err == nil && resp.OK() {
		e.store(ctx, r, rule, key, resp)
		return Result{Response: resp, Source: SourceNetwork, Rule: rule}
	}
	if err != nil {
		e.logger.Debug("network fetch failed", slog.String("rule", rule.Name), slog.String("key", key.String()), slog.Any("error", err))
	}

	if !looked {
		entry, looked = e.cache.Get(ctx, rule.Bucket, key)
	}
	if looked {
		return Result{
			Response: entry.Response,
			Source:   SourceCache,
			Stale:    rule.Expiration.Policy().Stale(entry, e.now()),
			Rule:     rule,
		}
	}
	if err == nil {
		return Result{Response: resp, Source: SourceNetwork, Rule: rule}
	}
	return e.fallbackResult(ctx, r, rule)
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey) Result {
	entry, cached := e.cache.Get(ctx, rule.Bucket, key)
	if cached {
		e.revalidate(r, rule, key, entry)
		return Result{
			Response: entry.Response,
			Source:   SourceCache,
			Stale:    rule.Expiration.Policy().Stale(entry, e.now()),
			Rule:     rule,
		}
	}

	resp, err := e.fetch(ctx, r, rule)
	if err != nil {
		e.logger.Debug("network fetch failed", slog.String("rule", rule.Name), slog.String("key", key.String()), slog.Any("error", err))
		return e.fallbackResult(ctx, r, rule)
	}
	if resp.OK() {
		e.store(ctx, r, rule, key, resp)
	}
	return Result{Response: resp, Source: SourceNetwork, Rule: rule}
}

// revalidate refreshes key on the task runner. Concurrent refreshes of one
// key share a single fetch.
func (e *Executor) revalidate(r *http.Request, rule routing.Rule, key cache.RequestKey, previous cache.Entry) {
	detached := r.Clone(context.Background())
	detached.Body = http.NoBody
	flightKey := rule.Bucket + "|" + key.String()

	err := e.tasks.Go("revalidate", func(ctx context.Context) error {
		_, err, _ := e.refreshes.Do(flightKey, func() (any, error) {
			return nil, e.refresh(ctx, detached, rule, key, previous)
		})
		return err
	})
	if err != nil {
		e.logger.Debug("revalidate skipped", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (e *Executor) refresh(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey, previous cache.Entry) error {
	resp, err := e.fetch(ctx, r, rule)
	if err != nil {
		return fmt.Errorf("strategy: revalidate %s: %w", key, err)
	}
	if !resp.OK() {
		return fmt.Errorf("strategy: revalidate %s: origin returned %d", key, resp.Status)
	}
	if !e.store(ctx, r, rule, key, resp) {
		return nil
	}
	if e.onUpdate != nil && !bytes.Equal(previous.Response.Body, resp.Body) {
		e.onUpdate(ctx, rule.Bucket, key.URL)
	}
	return nil
}

func (e *Executor) networkOnly(ctx context.Context, r *http.Request, rule routing.Rule, body []byte) Result {
	resp, err := e.fetch(ctx, r, rule)
	if err == nil {
		return Result{Response: resp, Source: SourceNetwork, Rule: rule}
	}
	e.logger.Debug("network fetch failed", slog.String("rule", rule.Name), slog.String("path", r.URL.Path), slog.Any("error", err))
	if rule.SyncTag != "" && e.queue != nil && !routing.IsSafe(r.Method) {
		if qerr := e.queue.Enqueue(ctx, rule.SyncTag, r, body); qerr != nil {
			e.logger.Warn("deferred request not queued", slog.String("tag", rule.SyncTag), slog.Any("error", qerr))
		} else {
			e.logger.Info("deferred request queued", slog.String("tag", rule.SyncTag), slog.String("path", r.URL.Path))
		}
	}
	return e.fallbackResult(ctx, r, rule)
}

func (e *Executor) cacheOnly(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey) Result {
	if entry, ok := e.cache.Get(ctx, rule.Bucket, key); ok {
		return Result{
			Response: entry.Response,
			Source:   SourceCache,
			Stale:    rule.Expiration.Policy().Stale(entry, e.now()),
			Rule:     rule,
		}
	}
	return e.fallbackResult(ctx, r, rule)
}

func (e *Executor) fallbackResult(ctx context.Context, r *http.Request, rule routing.Rule) Result {
	return Result{Response: e.fallback.Respond(ctx, r), Source: SourceFallback, Rule: rule}
}

func (e *Executor) fetch(ctx context.Context, r *http.Request, rule routing.Rule) (cache.Response, error) {
	timeout := e.timeout
	if rule.Timeout > 0 {
		timeout = rule.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req := r.Clone(ctx)
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return cache.Response{}, fmt.Errorf("strategy: rewind body: %w", err)
		}
		req.Body = body
	}
	return e.fetcher.Fetch(ctx, req)
}

// store writes a successful GET response and reports whether it was kept.
func (e *Executor) store(ctx context.Context, r *http.Request, rule routing.Rule, key cache.RequestKey, resp cache.Response) bool {
	if rule.Bucket == "" || r.Method != http.MethodGet || !cache.Storable(resp.Header) {
		return false
	}
	entry := cache.Entry{
		Method:   key.Method,
		URL:      key.URL,
		Response: resp.Clone(),
		StoredAt: e.now().UTC(),
	}
	if err := e.cache.Put(ctx, rule.Bucket, key, entry, rule.Expiration.Policy()); err != nil {
		e.logger.Warn("cache write failed", slog.String("bucket", rule.Bucket), slog.String("key", key.String()), slog.Any("error", err))
		return false
	}
	return true
}

// bufferBody reads the request body once so it can be replayed for the
// network leg and the deferred queue.
func (e *Executor) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, e.maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("strategy: read request body: %w", err)
	}
	if int64(len(payload)) > e.maxBody {
		return nil, ErrRequestTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	r.ContentLength = int64(len(payload))
	return payload, nil
}
