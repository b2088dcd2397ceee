package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one connected application window.
type Client struct {
	id   string
	url  string
	conn Conn

	mu         sync.Mutex
	focused    bool
	controlled bool
}

func (c *Client) ID() string  { return c.id }
func (c *Client) URL() string { return c.url }

// Post delivers msg to the window.
func (c *Client) Post(ctx context.Context, msg Message) error {
	return c.conn.Send(ctx, msg)
}

// Focus marks the window as the focused one.
func (c *Client) Focus(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused = true
	return nil
}

// Focused reports whether Focus has been called on the window.
func (c *Client) Focused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// Controlled reports whether the active version has claimed the window.
func (c *Client) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// Handler processes a known message received from client.
type Handler func(ctx context.Context, client *Client, msg Message)

// Messages deferred for a window that has not attached yet are bounded per
// URL and dropped once they are older than DeferredTTL.
const (
	DeferredPerURL = 16
	DeferredTTL    = 5 * time.Minute
)

type deferred struct {
	msg Message
	at  time.Time
}

// Hub tracks connected windows on the agent side.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	pending map[string][]deferred
	claimed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("agent", "messaging")),
		now:     time.Now,
		clients: make(map[string]*Client),
		pending: make(map[string][]deferred),
	}
}

// Serve registers conn as a window showing url and dispatches its messages to
// handler until the connection closes or ctx ends. Unknown message types are
// logged and dropped.
func (h *Hub) Serve(ctx context.Context, conn Conn, url string, handler Handler) error {
	client := &Client{id: uuid.NewString(), url: url, conn: conn}

	h.mu.Lock()
	client.controlled = h.claimed
	h.clients[client.id] = client
	queued := h.pending[url]
	delete(h.pending, url)
	cutoff := h.now().Add(-DeferredTTL)
	h.mu.Unlock()

	h.logger.Debug("client attached", slog.String("client", client.id), slog.String("url", url))
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Debug("client detached", slog.String("client", client.id))
	}()

	for _, d := range queued {
		if d.at.Before(cutoff) {
			continue
		}
		if err := client.Post(ctx, d.msg); err != nil {
			h.logger.Warn("queued message not delivered", slog.String("client", client.id), slog.Any("error", err))
		}
	}

	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !msg.Type.Known() {
			h.logger.Warn("unknown message ignored", slog.String("client", client.id), slog.String("type", string(msg.Type)))
			continue
		}
		if handler != nil {
			handler(ctx, client, msg)
		}
	}
}

// Broadcast posts msg to every window and returns how many received it.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	delivered := 0
	for _, client := range h.Clients() {
		if err := client.Post(ctx, msg); err != nil {
			h.logger.Debug("broadcast skipped client", slog.String("client", client.id), slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

// Clients returns the connected windows ordered by URL.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].url == out[j].url {
			return out[i].id < out[j].id
		}
		return out[i].url < out[j].url
	})
	return out
}

// Claim puts every current and future window under the active version.
func (h *Hub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	for _, c := range h.clients {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
	}
	return len(h.clients)
}

// Defer holds msg for the next window that attaches at url. Expired messages
// are swept on every call; past DeferredPerURL the oldest message for url is
// dropped.
func (h *Hub) Defer(url string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	cutoff := now.Add(-DeferredTTL)
	for u, queued := range h.pending {
		kept := queued[:0]
		for _, d := range queued {
			if !d.at.Before(cutoff) {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(h.pending, u)
		} else {
			h.pending[u] = kept
		}
	}

	queued := append(h.pending[url], deferred{msg: msg, at: now})
	if over := len(queued) - DeferredPerURL; over > 0 {
		h.logger.Warn("deferred messages dropped", slog.String("url", url), slog.Int("dropped", over))
		queued = append([]deferred(nil), queued[over:]...)
	}
	h.pending[url] = queued
}

// Disconnect closes every window's channel. Clients reconnect on their own.
func (h *Hub) Disconnect() int {
	clients := h.Clients()
	for _, c := range clients {
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("client close failed", slog.String("client", c.id), slog.Any("error", err))
		}
	}
	return len(clients)
}
