package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/push"
)

// InstallState is the install tri-state of one application window.
type InstallState int

const (
	NoPrompt InstallState = iota
	PromptAvailable
	Installed
)

func (s InstallState) String() string {
	switch s {
	case PromptAvailable:
		return "prompt-available"
	case Installed:
		return "installed"
	}
	return "no-prompt"
}

type Options struct {
	Platform Platform
	Sink     SubscriptionSink
	Logger   *slog.Logger
}

// Coordinator runs inside the application. It registers the agent, tracks
// install and update state and exchanges control messages with the agent.
type Coordinator struct {
	platform Platform
	sink     SubscriptionSink
	logger   *slog.Logger
	events   *registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	regMu        sync.Mutex
	registration Registration

	mu              sync.Mutex
	live            Registration
	state           InstallState
	prompt          InstallPrompt
	updateAvailable bool
	subscribed      bool
	pending         map[string]chan messaging.Message
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		platform: opts.Platform,
		sink:     opts.Sink,
		logger:   logger.With(slog.String("agent", "coordinator")),
		events:   newRegistry(),
		pending:  make(map[string]chan messaging.Message),
	}
}

// Init prepares the coordinator for use. Background listeners live until
// Dispose or until ctx ends.
func (c *Coordinator) Init(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state = NoPrompt
	c.updateAvailable = false
}

// Dispose closes the registration, stops listeners and drops subscribers.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.ctx = nil
	c.prompt = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.regMu.Lock()
	if c.registration != nil {
		if err := c.registration.Close(); err != nil {
			c.logger.Debug("registration close failed", slog.Any("error", err))
		}
		c.registration = nil
	}
	c.regMu.Unlock()

	c.wg.Wait()
	c.events.reset()
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	return c.ctx
}

// Subscribe registers fn for events of kind and returns its unsubscribe handle.
func (c *Coordinator) Subscribe(kind EventKind, fn Listener) func() {
	return c.events.subscribe(kind, fn)
}

// RegisterAgent registers the agent once and attaches the lifecycle listener.
// On platforms without agent support it logs and returns nil so the
// application keeps working.
func (c *Coordinator) RegisterAgent(ctx context.Context) error {
	if c.platform == nil || !c.platform.Supported() {
		c.logger.Info("agent registration skipped: platform unsupported")
		return nil
	}
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.registration != nil {
		return nil
	}
	reg, err := c.platform.Register(ctx)
	if err != nil {
		c.logger.Warn("agent registration failed", slog.Any("error", err))
		return fmt.Errorf("coordinator: register agent: %w", err)
	}
	c.registration = reg
	c.mu.Lock()
	c.live = reg
	c.mu.Unlock()
	c.logger.Info("agent registered")

	listenCtx := c.context()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.listen(listenCtx, reg)
	}()

	if waiting := reg.Waiting(); waiting != "" {
		c.markUpdateAvailable(waiting)
	}
	return nil
}

func (c *Coordinator) current() Registration {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.registration
}

// listen pumps agent messages until the channel or ctx ends, then detaches reg.
func (c *Coordinator) listen(ctx context.Context, reg Registration) {
	defer c.detach(reg)
	messages := reg.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

// detach forgets reg and fails its outstanding requests with
// messaging.ErrClosed. The next RegisterAgent registers again.
func (c *Coordinator) detach(reg Registration) {
	c.mu.Lock()
	if c.live == reg {
		c.live = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan messaging.Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.registration != reg {
		return
	}
	c.registration = nil
	if err := reg.Close(); err != nil {
		c.logger.Debug("registration close failed", slog.Any("error", err))
	}
	c.logger.Info("agent channel closed")
}

func (c *Coordinator) handle(msg messaging.Message) {
	if msg.IsReply() {
		c.mu.Lock()
		ch, ok := c.pending[msg.ReplyTo]
		delete(c.pending, msg.ReplyTo)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	switch msg.Type {
	case messaging.UpdateAvailable:
		c.markUpdateAvailable(msg.Version)
	case messaging.OfflineReady:
		c.logger.Info("agent ready for offline use", slog.String("version", msg.Version))
	case messaging.CacheUpdated:
		c.events.publish(Event{Kind: EventCacheUpdated, URLs: msg.URLs})
	case messaging.NotificationClick:
		c.events.publish(Event{Kind: EventNotificationClick, Action: msg.Action, Data: msg.Data})
	default:
		c.logger.Debug("agent message", slog.String("type", string(msg.Type)), slog.String("state", msg.State))
	}
}

func (c *Coordinator) markUpdateAvailable(version string) {
	c.mu.Lock()
	c.updateAvailable = true
	c.mu.Unlock()
	c.events.publish(Event{Kind: EventUpdateAvailable, Version: version})
}

// UpdateAvailable reports whether a new version is waiting to activate.
func (c *Coordinator) UpdateAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateAvailable
}

// CaptureInstallPrompt stores the platform's deferred install prompt.
func (c *Coordinator) CaptureInstallPrompt(p InstallPrompt) {
	c.mu.Lock()
	if c.state == Installed || p == nil {
		c.mu.Unlock()
		return
	}
	c.prompt = p
	c.state = PromptAvailable
	c.mu.Unlock()
	c.events.publish(Event{Kind: EventInstallPromptAvailable, State: PromptAvailable})
	c.events.publish(Event{Kind: EventInstallStateChanged, State: PromptAvailable})
}

// MarkInstalled records that the application was installed.
func (c *Coordinator) MarkInstalled() {
	c.mu.Lock()
	c.prompt = nil
	c.state = Installed
	c.mu.Unlock()
	c.events.publish(Event{Kind: EventInstallStateChanged, State: Installed})
}

func (c *Coordinator) CanInstall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == PromptAvailable
}

func (c *Coordinator) IsInstalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Installed
}

// PromptInstall shows the captured prompt and reports whether the user
// accepted. The prompt is discarded either way.
func (c *Coordinator) PromptInstall(ctx context.Context) (bool, error) {
	c.mu.Lock()
	prompt := c.prompt
	c.prompt = nil
	if prompt != nil && c.state == PromptAvailable {
		c.state = NoPrompt
	}
	c.mu.Unlock()
	if prompt == nil {
		return false, ErrNoPrompt
	}
	accepted, err := prompt.Prompt(ctx)
	c.events.publish(Event{Kind: EventInstallStateChanged, State: c.installState()})
	if err != nil {
		return false, fmt.Errorf("coordinator: install prompt: %w", err)
	}
	c.logger.Info("install prompt answered", slog.Bool("accepted", accepted))
	return accepted, nil
}

func (c *Coordinator) installState() InstallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestNotificationPermission asks for permission once and subscribes to
// push as soon as it is granted.
func (c *Coordinator) RequestNotificationPermission(ctx context.Context) (Permission, error) {
	if c.platform == nil {
		return PermissionDenied, ErrUnsupported
	}
	permission := c.platform.NotificationPermission()
	if permission == PermissionDefault || permission == "" {
		var err error
		permission, err = c.platform.RequestNotificationPermission(ctx)
		if err != nil {
			return PermissionDenied, fmt.Errorf("coordinator: notification permission: %w", err)
		}
	}
	if permission != PermissionGranted {
		return permission, nil
	}
	if err := c.subscribe(ctx); err != nil {
		c.logger.Warn("push subscription failed", slog.Any("error", err))
		return permission, err
	}
	return permission, nil
}

// sinkAdvertiser is implemented by platforms that learn the subscription
// endpoint while registering.
type sinkAdvertiser interface {
	Sink() SubscriptionSink
}

func (c *Coordinator) subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.platform.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: push subscribe: %w", err)
	}
	sink := c.sink
	if sink == nil {
		if advertiser, ok := c.platform.(sinkAdvertiser); ok {
			sink = advertiser.Sink()
		}
	}
	if sink != nil {
		if err := sink.Save(ctx, sub); err != nil {
			return fmt.Errorf("coordinator: save subscription: %w", err)
		}
	}
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	c.logger.Info("push subscription handed off", slog.String("endpoint", sub.Endpoint))
	return nil
}

// ShowNotification asks the agent to display n. Without granted permission
// it logs a warning and does nothing.
func (c *Coordinator) ShowNotification(ctx context.Context, n push.Notification) error {
	if c.platform == nil || c.platform.NotificationPermission() != PermissionGranted {
		c.logger.Warn("notification suppressed: permission not granted", slog.String("title", n.Title))
		return nil
	}
	reg := c.current()
	if reg == nil {
		return ErrUnsupported
	}
	if err := reg.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("coordinator: show notification: %w", err)
	}
	return nil
}

// ApplyUpdate tells the waiting version to take over and reloads the page.
func (c *Coordinator) ApplyUpdate(ctx context.Context) error {
	reg := c.current()
	if reg == nil {
		return ErrUnsupported
	}
	if err := reg.Post(ctx, messaging.Message{Type: messaging.SkipWaiting}); err != nil {
		return fmt.Errorf("coordinator: skip waiting: %w", err)
	}
	c.mu.Lock()
	c.updateAvailable = false
	c.mu.Unlock()
	if err := c.platform.Reload(ctx); err != nil {
		return fmt.Errorf("coordinator: reload: %w", err)
	}
	return nil
}

// CacheSize asks the agent for the bytes held across its buckets.
func (c *Coordinator) CacheSize(ctx context.Context) (int64, error) {
	reply, err := c.request(ctx, messaging.NewRequest(messaging.GetCacheSize))
	if err != nil {
		return 0, err
	}
	if reply.Size == nil {
		return 0, errors.New("coordinator: cache size reply without size")
	}
	return *reply.Size, nil
}

// ClearCache asks the agent to drop every bucket.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	_, err := c.request(ctx, messaging.NewRequest(messaging.ClearCache))
	return err
}

// Preload asks the agent to fetch urls into its runtime cache.
func (c *Coordinator) Preload(ctx context.Context, urls []string) error {
	reg := c.current()
	if reg == nil {
		return ErrUnsupported
	}
	if len(urls) == 0 {
		return nil
	}
	msg := messaging.Message{Type: messaging.PreloadResources, URLs: append([]string(nil), urls...)}
	if err := reg.Post(ctx, msg); err != nil {
		return fmt.Errorf("coordinator: preload: %w", err)
	}
	return nil
}

func (c *Coordinator) request(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	reg := c.current()
	if reg == nil {
		return messaging.Message{}, ErrUnsupported
	}
	ch := make(chan messaging.Message, 1)
	c.mu.Lock()
	if c.live != reg {
		c.mu.Unlock()
		return messaging.Message{}, fmt.Errorf("coordinator: %s: %w", msg.Type, messaging.ErrClosed)
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}

	if err := reg.Post(ctx, msg); err != nil {
		forget()
		return messaging.Message{}, fmt.Errorf("coordinator: %s: %w", msg.Type, err)
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return messaging.Message{}, fmt.Errorf("coordinator: %s: %w", msg.Type, messaging.ErrClosed)
		}
		if reply.Error != "" {
			return reply, fmt.Errorf("coordinator: %s: %s", msg.Type, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return messaging.Message{}, ctx.Err()
	}
}
