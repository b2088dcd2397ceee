package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	inbox   chan Message
	done    chan struct{}
	once    sync.Once
}

// NewWebSocketConn wraps an established websocket. A reader goroutine decodes
// frames until the socket closes.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	c := &wsConn{conn: conn, inbox: make(chan Message, 16), done: make(chan struct{})}
	go c.readLoop()
	return c
}

// Dial connects to an agent channel endpoint such as ws://host/__agent/channel.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("messaging: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("messaging: dial %s: %w", url, err)
	}
	return NewWebSocketConn(conn), nil
}

// Upgrader upgrades agent channel requests. Same-origin checks are left to
// gorilla's default.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Accept upgrades an HTTP request into a Conn.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: upgrade: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

func (c *wsConn) readLoop() {
	defer c.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("messaging: set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("messaging: write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
		}
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
