package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orderhub/pkg/protocol"
)

const (
	// writeWait bounds a single frame write to the transport.
	writeWait = 10 * time.Second

	// sendTimeout bounds how long a direct (non-broadcast) send may wait
	// for space in the connection's outbound queue.
	sendTimeout = 5 * time.Second

	// maxMessageSize bounds inbound frames. POS events are small; anything
	// larger is a client bug.
	maxMessageSize = 64 * 1024
)

// AuthState is the server-side lifecycle state of one connection.
type AuthState int32

const (
	AuthPending AuthState = iota
	AuthAuthenticated
	AuthRejected
	AuthClosed
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	case AuthClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection wraps one live transport session. The underlying socket is
// exclusively owned: all data frames go through the send queue drained by
// the single writer goroutine, so no two tasks ever write concurrently.
// Identity fields are nil-equivalent until authentication succeeds.
type Connection struct {
	id          string
	ws          *websocket.Conn
	sendCh      chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	connectedAt time.Time

	mu        sync.RWMutex // guards identity and auth state
	tenantID  string
	userID    string
	authState AuthState

	lastLiveness atomic.Int64 // unix nanos, updated on every heartbeat response
}

// NewConnection wraps an upgraded socket and starts its writer goroutine.
// The connection begins in AuthPending and is not yet visible to any
// registry index.
func NewConnection(ws *websocket.Conn, sendBuffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          uuid.NewString(),
		ws:          ws,
		sendCh:      make(chan []byte, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
		authState:   AuthPending,
	}
	c.lastLiveness.Store(time.Now().UnixNano())

	go c.writeLoop()

	return c
}

// writeLoop is the single writer for data frames on this connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.teardown()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a frame, waiting up to sendTimeout for space. Used for
// handshake replies and heartbeat probes where delivery matters more
// than latency.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-time.After(sendTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues a frame without blocking. A full buffer means the client
// is not draining its socket; broadcast treats that as a dead connection.
func (c *Connection) TrySend(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendMessage encodes and queues a single protocol message.
func (c *Connection) SendMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// CloseWithCode sends a close frame with the given code, then releases the
// transport. Control frames may be written concurrently with the data
// writer, so this is safe from any goroutine. Idempotent.
func (c *Connection) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)

		c.markClosed()
		c.cancel()
		_ = c.ws.Close()
	})
}

// teardown releases the transport without a close frame; used when the
// transport itself already failed.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.markClosed()
		c.cancel()
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// TouchLiveness records a heartbeat response.
func (c *Connection) TouchLiveness() {
	c.lastLiveness.Store(time.Now().UnixNano())
}

// LastLiveness returns the time of the most recent heartbeat response.
func (c *Connection) LastLiveness() time.Time {
	return time.Unix(0, c.lastLiveness.Load())
}

// markAuthenticated transitions the connection into steady state. Called
// only by the registry inside its admission critical section, so the
// tenant-index invariant holds: a connection is authenticated if and only
// if it is registered.
func (c *Connection) markAuthenticated(tenantID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenantID = tenantID
	c.userID = userID
	c.authState = AuthAuthenticated
}

// MarkRejected records a failed handshake before the connection closes.
func (c *Connection) MarkRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authState == AuthPending {
		c.authState = AuthRejected
	}
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authState = AuthClosed
}

// ID returns the connection's unique identifier, assigned at accept time.
func (c *Connection) ID() string {
	return c.id
}

// TenantID returns the authenticated tenant, or "" before authentication.
func (c *Connection) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Connection) State() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authState
}

// ConnectedAt returns the accept timestamp.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}
