package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/push"
)

// RemoteOptions points a RemotePlatform at a running agent.
type RemoteOptions struct {
	// AgentURL is the agent's base URL, e.g. http://127.0.0.1:8080.
	AgentURL string
	// PageURL is the location of the window this coordinator runs in.
	PageURL string
	Client  *http.Client
	// Decide answers notification permission requests. Nil denies.
	Decide func(ctx context.Context) (Permission, error)
	// OnReload is invoked when the coordinator reloads the page.
	OnReload func(ctx context.Context) error
	Logger   *slog.Logger
}

// RemotePlatform implements Platform against an agent reachable over HTTP.
type RemotePlatform struct {
	base     *url.URL
	page     string
	client   *http.Client
	decide   func(ctx context.Context) (Permission, error)
	onReload func(ctx context.Context) error
	logger   *slog.Logger

	mu         sync.Mutex
	permission Permission
	vapidKey   string
	sinkURL    string
}

func NewRemotePlatform(opts RemoteOptions) (*RemotePlatform, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.AgentURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse agent url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("coordinator: agent url %q must be http or https", opts.AgentURL)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	page := opts.PageURL
	if page == "" {
		page = "/"
	}
	return &RemotePlatform{
		base:       base,
		page:       page,
		client:     client,
		decide:     opts.Decide,
		onReload:   opts.OnReload,
		logger:     logger.With(slog.String("agent", "coordinator")),
		permission: PermissionDefault,
	}, nil
}

func (p *RemotePlatform) endpoint(path string) string {
	return p.base.JoinPath(path).String()
}

func (p *RemotePlatform) Supported() bool { return p.base.Host != "" }

type registrationInfo struct {
	Version           string `json:"version"`
	State             string `json:"state"`
	Waiting           string `json:"waiting"`
	VAPIDPublicKey    string `json:"vapidPublicKey"`
	SubscribeEndpoint string `json:"subscribeEndpoint"`
}

// Register announces the window to the agent and opens its message channel.
func (p *RemotePlatform) Register(ctx context.Context) (Registration, error) {
	var info registrationInfo
	if err := p.postJSON(ctx, "/__agent/register", map[string]string{"url": p.page}, &info); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.vapidKey = info.VAPIDPublicKey
	p.sinkURL = info.SubscribeEndpoint
	p.mu.Unlock()

	channel := *p.base
	channel.Scheme = "ws"
	if p.base.Scheme == "https" {
		channel.Scheme = "wss"
	}
	channel.Path = strings.TrimRight(channel.Path, "/") + "/__agent/channel"
	channel.RawQuery = url.Values{"url": {p.page}}.Encode()

	conn, err := messaging.Dial(ctx, channel.String(), nil)
	if err != nil {
		return nil, err
	}
	reg := &remoteRegistration{
		platform: p,
		conn:     conn,
		waiting:  info.Waiting,
		messages: make(chan messaging.Message, 16),
		done:     make(chan struct{}),
	}
	go reg.pump()
	return reg, nil
}

func (p *RemotePlatform) NotificationPermission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *RemotePlatform) RequestNotificationPermission(ctx context.Context) (Permission, error) {
	decision := PermissionDenied
	if p.decide != nil {
		var err error
		decision, err = p.decide(ctx)
		if err != nil {
			return PermissionDenied, err
		}
	}
	p.mu.Lock()
	p.permission = decision
	p.mu.Unlock()
	return decision, nil
}

// Subscribe returns a subscription whose endpoint is the agent's push
// receiver.
func (p *RemotePlatform) Subscribe(context.Context) (push.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != PermissionGranted {
		return push.Subscription{}, errors.New("coordinator: notification permission not granted")
	}
	sub := push.Subscription{Endpoint: p.endpoint("/__agent/push")}
	if p.vapidKey != "" {
		sub.Keys = map[string]string{"applicationServerKey": p.vapidKey}
	}
	return sub, nil
}

// Sink returns the subscription sink the agent advertised at registration,
// or nil when it advertised none.
func (p *RemotePlatform) Sink() SubscriptionSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sinkURL == "" {
		return nil
	}
	target := p.sinkURL
	if ref, err := url.Parse(target); err == nil && !ref.IsAbs() {
		target = p.base.ResolveReference(ref).String()
	}
	return HTTPSink{Endpoint: target, Client: p.client}
}

func (p *RemotePlatform) Reload(ctx context.Context) error {
	if p.onReload == nil {
		p.logger.Info("reload requested", slog.String("page", p.page))
		return nil
	}
	return p.onReload(ctx)
}

func (p *RemotePlatform) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("coordinator: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("coordinator: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("coordinator: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("coordinator: decode %s: %w", path, err)
	}
	return nil
}

type remoteRegistration struct {
	platform *RemotePlatform
	conn     messaging.Conn
	waiting  string
	messages chan messaging.Message
	done     chan struct{}
	once     sync.Once
}

func (r *remoteRegistration) pump() {
	defer close(r.messages)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.done
		cancel()
	}()
	for {
		msg, err := r.conn.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case r.messages <- msg:
		case <-r.done:
			return
		}
	}
}

func (r *remoteRegistration) Waiting() string                    { return r.waiting }
func (r *remoteRegistration) Messages() <-chan messaging.Message { return r.messages }

func (r *remoteRegistration) Post(ctx context.Context, msg messaging.Message) error {
	return r.conn.Send(ctx, msg)
}

func (r *remoteRegistration) ShowNotification(ctx context.Context, n push.Notification) error {
	return r.platform.postJSON(ctx, "/__agent/notifications", n, nil)
}

func (r *remoteRegistration) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

// HTTPSink posts push subscriptions to the application backend as JSON.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

func (s HTTPSink) Save(ctx context.Context, sub push.Subscription) error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("coordinator: subscription endpoint not configured")
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("coordinator: encode subscription: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("coordinator: build subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: send subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("coordinator: subscription rejected: status %d", resp.StatusCode)
	}
	return nil
}
