package messaging

import (
	"context"
	"sync"
)

// Conn is one endpoint of a bidirectional message channel. Send and Receive
// may be called concurrently with each other.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type pipeConn struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process endpoints. Closing either closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, 16)
	ba := make(chan Message, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
