package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/expr"
	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/bgsync"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/fallback"
	"github.com/l0p7/offlinectl/internal/runtime/lifecycle"
	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/push"
	"github.com/l0p7/offlinectl/internal/runtime/routing"
	"github.com/l0p7/offlinectl/internal/runtime/strategy"
	"github.com/l0p7/offlinectl/internal/runtime/tasks"
	"github.com/l0p7/offlinectl/internal/templates"
)

const (
	// SourceHeader reports whether a response came from the network, the
	// cache or the offline fallback.
	SourceHeader = "X-Offline-Source"
	// StrategyHeader names the strategy that produced the response.
	StrategyHeader = "X-Offline-Strategy"
	// StaleHeader is set when a cached entry past its max age was served.
	StaleHeader = "X-Offline-Stale"
)

// AgentOptions wires the agent's collaborators. Cache and Fetcher are
// required; everything else has a working default.
type AgentOptions struct {
	Cache   *cache.Manager
	Fetcher strategy.Fetcher

	APIPrefix    string
	FetchTimeout time.Duration
	MaxBodyBytes int64
	SkipWaiting  bool

	// OfflineTemplate replaces the built-in offline page.
	OfflineTemplate *templates.Template

	Notifier push.Notifier
	Opener   push.Opener

	QueueLimit    int
	ProbePath     string
	ProbeInterval time.Duration

	// VAPIDPublicKey is handed to clients that subscribe to push.
	VAPIDPublicKey    string
	SubscribeEndpoint string

	Metrics *metrics.Recorder
}

// Agent is the worker process core: it intercepts application traffic,
// drives version lifecycle and answers client messages.
type Agent struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	cache     *cache.Manager
	fetcher   strategy.Fetcher
	env       *expr.Environment
	apiPrefix string
	vapidKey  string

	subscribeEndpoint string

	hub       *messaging.Hub
	runner    *tasks.Runner
	lifecycle *lifecycle.Controller
	executor  *strategy.Executor
	push      *push.Service
	sync      *bgsync.Handler
	queue     *bgsync.Queue
	monitor   *bgsync.Monitor
}

// NewAgent assembles the agent from opts.
func NewAgent(logger *slog.Logger, opts AgentOptions) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cache == nil {
		return nil, errors.New("runtime: cache manager required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("runtime: fetcher required")
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: expression environment: %w", err)
	}

	a := &Agent{
		logger:    logger.With(slog.String("agent", "runtime")),
		metrics:   opts.Metrics,
		cache:     opts.Cache,
		fetcher:   opts.Fetcher,
		env:       env,
		apiPrefix: opts.APIPrefix,
		vapidKey:  opts.VAPIDPublicKey,

		subscribeEndpoint: opts.SubscribeEndpoint,
		hub:               messaging.NewHub(logger),
		runner:            tasks.NewRunner(logger, opts.Metrics),
	}

	a.lifecycle, err = lifecycle.New(lifecycle.Options{
		Cache:       opts.Cache,
		Fetcher:     opts.Fetcher,
		Clients:     a.hub,
		SkipWaiting: opts.SkipWaiting,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	a.queue = bgsync.NewQueue(opts.Fetcher, opts.QueueLimit, logger)
	a.sync = bgsync.NewHandler(a.runner, logger, opts.Metrics)
	a.monitor = bgsync.NewMonitor(opts.Fetcher, a.sync, opts.ProbePath, opts.ProbeInterval, logger)

	offline := fallback.New(fallback.Options{
		Cache:     opts.Cache,
		Source:    a.lifecycle,
		APIPrefix: opts.APIPrefix,
		Template:  opts.OfflineTemplate,
		Logger:    logger,
	})
	a.executor, err = strategy.New(strategy.Options{
		Cache:    opts.Cache,
		Fetcher:  opts.Fetcher,
		Fallback: offline,
		Tasks:    a.runner,
		Queue:    a.queue,
		OnUpdate: a.cacheUpdated,
		Logger:   logger,
		Timeout:  opts.FetchTimeout,
		MaxBody:  opts.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	a.push = push.New(push.Options{
		Notifier:    opts.Notifier,
		Windows:     push.NewHubWindows(a.hub, opts.Opener),
		Broadcaster: a.hub,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	a.push.Register(push.ActionUpdate, func(ctx context.Context, _ push.Click) error {
		return a.lifecycle.SkipWaiting(ctx)
	})
	return a, nil
}

// Install compiles manifest into a version and installs it. Once the install
// succeeds, sync tags declared by its rules are bound to the deferred request
// queue.
func (a *Agent) Install(ctx context.Context, manifest config.ManifestConfig) error {
	version, err := lifecycle.NewVersion(manifest, a.apiPrefix, a.env)
	if err != nil {
		return err
	}
	if err := a.lifecycle.Install(ctx, version); err != nil {
		return err
	}
	for _, rule := range version.Table.Rules() {
		if rule.SyncTag == "" || a.sync.Registered(rule.SyncTag) {
			continue
		}
		a.sync.Register(rule.SyncTag, a.queue.Replayer(rule.SyncTag))
	}
	return nil
}

// InstallAsync installs manifest on the task runner. Used for manifest
// reloads so the watcher never blocks on precaching.
func (a *Agent) InstallAsync(manifest config.ManifestConfig) error {
	return a.runner.Go("install:"+manifest.Version, func(ctx context.Context) error {
		return a.Install(ctx, manifest)
	})
}

func (a *Agent) Hub() *messaging.Hub              { return a.hub }
func (a *Agent) Lifecycle() *lifecycle.Controller { return a.lifecycle }
func (a *Agent) Push() *push.Service              { return a.push }
func (a *Agent) Sync() *bgsync.Handler            { return a.sync }
func (a *Agent) Queue() *bgsync.Queue             { return a.queue }
func (a *Agent) Monitor() *bgsync.Monitor         { return a.monitor }
func (a *Agent) Tasks() *tasks.Runner             { return a.runner }

// resolve picks the rule for r from the active version. Precached assets are
// served from the static bucket ahead of declared rules. Before any version
// is active the agent does not control the page and passes traffic through.
func (a *Agent) resolve(r *http.Request) routing.Rule {
	version, ok := a.lifecycle.Active()
	if !ok || version.Table == nil {
		return routing.Rule{Name: "uncontrolled", Strategy: routing.NetworkOnly, Default: true}
	}
	if r.Method == http.MethodGet && version.Precached(r.URL.RequestURI()) {
		return routing.Rule{Name: "precache", Strategy: routing.CacheFirst, Bucket: version.StaticBucket(), Default: true}
	}
	return version.Table.Resolve(r)
}

func (a *Agent) cacheUpdated(ctx context.Context, bucket, url string) {
	a.logger.Debug("cache updated", slog.String("bucket", bucket), slog.String("url", url))
	a.hub.Broadcast(ctx, messaging.Message{Type: messaging.CacheUpdated, URLs: []string{url}})
}

// Close drains background work and releases the cache backend.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	if err := a.runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: drain tasks: %w", err))
	}
	if err := a.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: close cache: %w", err))
	}
	return errors.Join(errs...)
}
