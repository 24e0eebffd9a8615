package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lexrelay/pkg/types"
)

// Connection wraps one live WebSocket for one user device (a "handle").
// All writes go through a single writer goroutine so concurrent broadcasts
// never race on the underlying socket. One user may hold many handles.
type Connection struct {
	conn          *websocket.Conn
	handleID      string
	writeCh       chan []byte
	writeTimeout  time.Duration
	userID        string // set after the authentication handshake
	authenticated bool
	lastActive    time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex // protects auth fields and lastActive
}

// NewConnection creates a connection wrapper and starts its writer
// goroutine. bufferSize bounds the pending outbound frames; writeTimeout
// caps each socket write.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		handleID:     uuid.New().String(),
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		lastActive:   time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop is the single writer for the socket. Every exit path closes
// the connection so later writes fail with ErrConnectionClosed; writeCh is
// never closed, senders are fenced by the context alone.
func (c *Connection) writeLoop() {
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues an arbitrary JSON value for delivery.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// WriteEvent queues a named event envelope for delivery.
func (c *Connection) WriteEvent(event string, data map[string]interface{}) error {
	return c.WriteJSON(types.Envelope{Event: event, Data: data})
}

// ReadMessage blocks on the next inbound frame. Only the read pump calls
// this; gorilla/websocket permits one concurrent reader.
func (c *Connection) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// SetReadDeadline bounds how long the read pump waits for traffic.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetPongHandler installs the heartbeat pong callback.
func (c *Connection) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

// Ping sends a control ping with the given write deadline.
func (c *Connection) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, deadline)
}

// Close shuts down the writer goroutine and the socket. Safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseGraceful waits for queued frames to flush, bounded by the write
// timeout, before closing. Used when the final frame carries information
// the client must see, such as a disconnect reason.
func (c *Connection) CloseGraceful() error {
	deadline := time.Now().Add(c.writeTimeout)
	for len(c.writeCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// The writer may still be mid-frame after the channel empties.
	time.Sleep(5 * time.Millisecond)
	return c.Close()
}

// Done is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// HandleID returns the unique identifier for this handle.
func (c *Connection) HandleID() string {
	return c.handleID
}

// SetUser marks the connection authenticated as the given user.
func (c *Connection) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
}

// IsAuthenticated reports whether the handshake completed.
func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// GetUserID returns the authenticated user, or "" before the handshake.
func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Touch records inbound activity; presence uses this to pick the most
// recently active handle for direct delivery.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// LastActive returns the time of the most recent inbound activity.
func (c *Connection) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}
