package dashboard

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// client is one WebSocket connection with its own outgoing queue. A client
// that falls clientQueue frames behind is disconnected.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the queue is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the queue until ctx ends or a write fails.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case frame := <-c.send:
			if err := c.write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (c *client) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// readLoop discards incoming frames and returns when the peer goes away.
func (c *client) readLoop(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
