package gateway

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Identity is the verified user behind a connection.
type Identity struct {
	UserID   string
	UserName string
}

// Connection is one live WebSocket bound to a single guild for its whole life.
type Connection struct {
	Identity

	// GuildID never changes; switching guilds means opening a new connection.
	GuildID string

	// Conn is nil for connections that are not backed by a socket (tests).
	Conn *websocket.Conn

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closed   bool
	closedMu sync.RWMutex
}

// NewConnection creates a Connection with an outbound queue of sendBuffer frames.
//
// Parameters:
//   - ctx: Parent context; cancelling it closes the connection's pumps
//   - id: The authenticated identity
//   - guildID: The guild the connection is bound to
//   - conn: The WebSocket connection
//   - sendBuffer: Outbound frames that may queue before the peer counts as slow
func NewConnection(ctx context.Context, id Identity, guildID string, conn *websocket.Conn, sendBuffer int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		Identity: id,
		GuildID:  guildID,
		Conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ctx:      connCtx,
		cancel:   cancel,
	}
}

// Enqueue queues frame for the write pump without blocking. It returns false
// when the queue is full or the connection is closed.
func (c *Connection) Enqueue(frame []byte) bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound is the queue drained by the write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Close cancels the connection context, closes the outbound queue and the
// socket. It is safe to call multiple times.
func (c *Connection) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.send)

	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}
