package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/strategy"
)

// State is the lifecycle phase of one version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
	StateUnknown    State = ""
)

// ErrNoWaiting is returned by SkipWaiting when no installed version waits.
var ErrNoWaiting = errors.New("lifecycle: no waiting version")

// Clients is the set of application windows the controller talks to.
type Clients interface {
	Broadcast(ctx context.Context, msg messaging.Message) int
	Claim() int
}

// Options configures a Controller.
type Options struct {
	Cache   *cache.Manager
	Fetcher strategy.Fetcher
	Clients Clients
	// SkipWaiting activates every installed version immediately.
	SkipWaiting bool
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Controller drives versions through install, wait and activation.
type Controller struct {
	cache       *cache.Manager
	fetcher     strategy.Fetcher
	clients     Clients
	skipWaiting bool
	logger      *slog.Logger
	metrics     *metrics.Recorder

	installs   singleflight.Group
	activateMu sync.Mutex

	mu      sync.RWMutex
	active  *Version
	waiting *Version
	states  map[string]State
}

func New(opts Options) (*Controller, error) {
	if opts.Cache == nil {
		return nil, errors.New("lifecycle: cache manager required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cache:       opts.Cache,
		fetcher:     opts.Fetcher,
		clients:     opts.Clients,
		skipWaiting: opts.SkipWaiting,
		logger:      logger.With(slog.String("agent", "lifecycle")),
		metrics:     opts.Metrics,
		states:      make(map[string]State),
	}, nil
}

// Install precaches v and promotes it. With no active version, or with skip
// waiting configured, v activates immediately; otherwise it waits and clients
// are told an update is available. Installing a version that is already
// active, waiting or in flight is a no-op.
func (c *Controller) Install(ctx context.Context, v Version) error {
	if v.ID == "" {
		return errors.New("lifecycle: version id required")
	}
	if c.current(v.ID) {
		return nil
	}
	_, err, _ := c.installs.Do(v.ID, func() (any, error) {
		if c.current(v.ID) {
			return nil, nil
		}
		return nil, c.install(ctx, v)
	})
	return err
}

func (c *Controller) current(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return (c.active != nil && c.active.ID == id) || (c.waiting != nil && c.waiting.ID == id)
}

func (c *Controller) install(ctx context.Context, v Version) error {
	c.setState(ctx, v.ID, StateInstalling)
	if err := c.precache(ctx, v); err != nil {
		c.setState(ctx, v.ID, StateRedundant)
		c.discard(ctx, v)
		c.logger.Error("install failed", slog.String("version", v.ID), slog.Any("error", err))
		return fmt.Errorf("lifecycle: install %s: %w", v.ID, err)
	}
	c.setState(ctx, v.ID, StateInstalled)

	c.mu.Lock()
	first := c.active == nil
	c.mu.Unlock()
	if first || c.skipWaiting {
		c.activate(ctx, v)
		return nil
	}

	c.mu.Lock()
	superseded := c.waiting
	waiting := v
	c.waiting = &waiting
	c.mu.Unlock()
	if superseded != nil {
		c.setState(ctx, superseded.ID, StateRedundant)
	}
	c.logger.Info("version waiting", slog.String("version", v.ID))
	c.broadcast(ctx, messaging.Message{Type: messaging.UpdateAvailable, Version: v.ID})
	return nil
}

func (c *Controller) precache(ctx context.Context, v Version) error {
	bucket := v.StaticBucket()
	for _, url := range v.Assets() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
		resp, err := c.fetcher.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
		if !resp.OK() {
			return fmt.Errorf("precache %s: status %d", url, resp.Status)
		}
		key := cache.NewRequestKey(http.MethodGet, url)
		entry := cache.Entry{Response: resp, StoredAt: time.Now().UTC()}
		if err := c.cache.Put(ctx, bucket, key, entry, cache.ExpirationPolicy{}); err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
	}
	return nil
}

// discard drops a failed version's static bucket unless a live version owns it.
func (c *Controller) discard(ctx context.Context, v Version) {
	bucket := v.StaticBucket()
	c.mu.RLock()
	for _, owner := range []*Version{c.active, c.waiting} {
		if owner != nil && slices.Contains(owner.KnownBuckets(), bucket) {
			c.mu.RUnlock()
			return
		}
	}
	c.mu.RUnlock()
	if err := c.cache.DeleteBucket(ctx, bucket); err != nil {
		c.logger.Warn("failed install cleanup", slog.String("bucket", bucket), slog.Any("error", err))
	}
}

// SkipWaiting activates the waiting version.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.RLock()
	waiting := c.waiting
	c.mu.RUnlock()
	if waiting == nil {
		return ErrNoWaiting
	}
	c.activate(ctx, *waiting)
	return nil
}

// activate purges buckets unknown to v, applies v's count bounds to the
// buckets that survive, and takes control of every window. Purge and
// eviction failures are logged and never block activation.
func (c *Controller) activate(ctx context.Context, v Version) {
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	c.mu.RLock()
	already := c.active != nil && c.active.ID == v.ID
	c.mu.RUnlock()
	if already {
		return
	}

	c.setState(ctx, v.ID, StateActivating)
	if _, err := c.cache.PurgeBucketsNotIn(ctx, v.KnownBuckets()); err != nil {
		c.logger.Warn("activation purge incomplete", slog.String("version", v.ID), slog.Any("error", err))
	}
	c.rebound(ctx, v)

	c.mu.Lock()
	previous := c.active
	activated := v
	c.active = &activated
	if c.waiting != nil && c.waiting.ID == v.ID {
		c.waiting = nil
	}
	c.mu.Unlock()

	if previous != nil {
		c.setState(ctx, previous.ID, StateRedundant)
	}
	c.setState(ctx, v.ID, StateActive)

	claimed := 0
	if c.clients != nil {
		claimed = c.clients.Claim()
	}
	c.logger.Info("version active", slog.String("version", v.ID), slog.Int("clients", claimed))
	c.broadcast(ctx, messaging.Message{Type: messaging.OfflineReady, Version: v.ID})
}

func (c *Controller) setState(ctx context.Context, id string, state State) {
	c.mu.Lock()
	c.states[id] = state
	c.mu.Unlock()
	c.metrics.ObserveLifecycle(string(state))
	c.logger.Debug("version state", slog.String("version", id), slog.String("state", string(state)))
	c.broadcast(ctx, messaging.Message{Type: messaging.StateChanged, Version: id, State: string(state)})
}

func (c *Controller) broadcast(ctx context.Context, msg messaging.Message) {
	if c.clients == nil {
		return
	}
	c.clients.Broadcast(ctx, msg)
}

// Active returns the controlling version.
func (c *Controller) Active() (Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return Version{}, false
	}
	return *c.active, true
}

// Waiting returns the installed version awaiting activation.
func (c *Controller) Waiting() (Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.waiting == nil {
		return Version{}, false
	}
	return *c.waiting, true
}

// State reports the last known state of version id.
func (c *Controller) State(id string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[id]
}

// OfflinePage locates the active version's precached offline page.
func (c *Controller) OfflinePage() (string, string, bool) {
	v, ok := c.Active()
	if !ok || v.OfflinePage == "" {
		return "", "", false
	}
	return v.StaticBucket(), v.OfflinePage, true
}

// rebound trims buckets carried over from earlier versions whose rule now
// declares a smaller maxEntries.
func (c *Controller) rebound(ctx context.Context, v Version) {
	if v.Table == nil {
		return
	}
	for _, rule := range v.Table.Rules() {
		if rule.Bucket == "" || rule.Expiration.MaxEntries <= 0 {
			continue
		}
		if _, err := c.cache.Evict(ctx, rule.Bucket, rule.Expiration.Policy()); err != nil {
			c.logger.Warn("activation eviction failed", slog.String("version", v.ID), slog.String("bucket", rule.Bucket), slog.Any("error", err))
		}
	}
}
