// Package client implements the terminal side of the hub wire protocol:
// dialing, the authenticate handshake, heartbeat replies, automatic
// reconnection with escalating backoff, and an offline queue that holds
// outbound messages until a session is established.
//
// All connection state is owned by a single run-loop goroutine. The public
// methods communicate with it through channels, so Send, Nudge, and Close
// are safe from any goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"orderhub/pkg/protocol"
)

const (
	defaultAuthTimeout = 5 * time.Second
	defaultEventBuffer = 64
	clientWriteWait    = 10 * time.Second
)

// EventKind classifies notifications delivered on the Events channel.
type EventKind int

const (
	// EventStateChanged reports a lifecycle transition; State carries the
	// new state.
	EventStateChanged EventKind = iota

	// EventMessage delivers a broadcast frame received from the hub.
	EventMessage

	// EventAuthFailed reports a terminal authentication rejection. The
	// client does not reconnect after this.
	EventAuthFailed

	// EventReconnectFailed reports that the retry budget is exhausted.
	EventReconnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventMessage:
		return "message"
	case EventAuthFailed:
		return "auth_failed"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Event is a notification from the client run loop to the application.
type Event struct {
	Kind    EventKind
	State   State             // EventStateChanged
	Message *protocol.Message // EventMessage
	Reason  string            // EventAuthFailed: machine-readable reason
	Err     error             // EventAuthFailed, EventReconnectFailed
}

// Config controls a Client. URL and one credential source (Credential or
// TokenProvider) are required; everything else has working defaults.
type Config struct {
	// URL is the hub websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// Credential is the bearer credential presented during the handshake.
	// Ignored when TokenProvider is set.
	Credential string

	// TokenProvider, when set, is consulted before every connection
	// attempt so a refreshed credential is used after expiry.
	TokenProvider func(ctx context.Context) (string, error)

	// TenantID is the tenant the client wants to join. Optional for
	// credentials that carry a tenant claim.
	TenantID string

	// UserID identifies the operator, for server-side per-user caps.
	UserID string

	// ClientInfo is a free-form device description (app version, device
	// model) recorded by the server.
	ClientInfo string

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// AuthTimeout bounds the wait for the server's handshake confirmation.
	AuthTimeout time.Duration

	// Backoff is the escalating retry schedule. Attempts past the end of
	// the schedule reuse its last entry, clamped to BackoffCap.
	Backoff    []time.Duration
	BackoffCap time.Duration

	// MaxAttempts caps consecutive failed connection attempts before the
	// client gives up. Zero means retry forever. The counter resets every
	// time a session reaches the connected state.
	MaxAttempts int

	// QueueLimit caps the offline queue. Zero means unbounded.
	QueueLimit int

	// EventBuffer sizes the Events channel.
	EventBuffer int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return cfg
}

// Client maintains one logical connection to the hub across transport
// failures. Create with New, start with Start, and consume Events until it
// closes.
type Client struct {
	cfg   Config
	queue *queue

	events  chan Event
	flushCh chan struct{}
	nudgeCh chan struct{}
	closeCh chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	state    State
	attempts int
	connID   string
}

// New validates the configuration and returns an unstarted client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client config: URL is required")
	}
	if cfg.Credential == "" && cfg.TokenProvider == nil {
		return nil, fmt.Errorf("client config: a credential or token provider is required")
	}

	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		queue:   newQueue(cfg.QueueLimit),
		events:  make(chan Event, cfg.EventBuffer),
		flushCh: make(chan struct{}, 1),
		nudgeCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the run loop. It may be called once.
func (c *Client) Start() {
	go c.run()
}

// Close tears the connection down and stops the run loop. It is idempotent
// and safe to call from any goroutine. The Events channel is closed once
// the run loop has exited.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.done
	return nil
}

// Events returns the notification channel. It is closed when the client
// stops, whether by Close, terminal rejection, or retry exhaustion.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ConnectionID returns the server-assigned connection ID of the current
// session, or empty when not connected.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Attempts returns the consecutive failed connection attempts since the
// last successful session.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// QueueLen returns the number of messages waiting for a session.
func (c *Client) QueueLen() int {
	return c.queue.len()
}

// ClearQueue drops every pending message and returns how many were
// discarded. Intended for logout or credential changes, where delivering
// messages queued under the previous identity would be wrong.
func (c *Client) ClearQueue() int {
	return c.queue.clear()
}

// Send enqueues an outbound message. It succeeds in every state; the
// message is delivered once a session is connected, in FIFO order. The
// only failure modes are a full queue and a closed client.
func (c *Client) Send(eventType string, payload json.RawMessage) error {
	select {
	case <-c.closeCh:
		return ErrClientClosed
	default:
	}

	if _, err := c.queue.enqueue(eventType, payload); err != nil {
		return err
	}

	// Wake the run loop if a session is active; coalesced if one is
	// already pending.
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Nudge asks the reconnection controller to retry immediately, bypassing
// the remainder of the current backoff delay. A no-op in other states.
func (c *Client) Nudge() {
	select {
	case c.nudgeCh <- struct{}{}:
	default:
	}
}

// run owns the socket, the lifecycle state, and every timer. It is the only
// goroutine that writes to the transport.
func (c *Client) run() {
	defer close(c.done)
	defer close(c.events)
	defer c.apply(evShutdown)

	c.apply(evConnect)

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		ws, err := c.dial()
		if err != nil {
			log.Printf("client: dial %s failed: %v", c.cfg.URL, err)
			c.apply(evDialFailed)
			if !c.waitRetry() {
				return
			}
			continue
		}

		c.apply(evDialOK)

		connID, authErr := c.authenticate(ws)
		if authErr != nil {
			ws.Close()
			var rej *rejectionError
			if errors.As(authErr, &rej) {
				c.apply(evAuthFailed)
				c.emit(Event{Kind: EventAuthFailed, Reason: rej.reason, Err: authErr})
				return
			}
			log.Printf("client: handshake failed: %v", authErr)
			c.apply(evTransportLost)
			if !c.waitRetry() {
				return
			}
			continue
		}

		c.setConnID(connID)
		c.apply(evAuthOK)
		c.resetAttempts()

		userClosed, retryable := c.session(ws)
		c.setConnID("")
		if userClosed {
			return
		}
		c.apply(evTransportLost)
		if !retryable {
			return
		}
		if !c.waitRetry() {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ws, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	return ws, err
}

// rejectionError marks handshake failures that reconnecting cannot fix.
type rejectionError struct {
	reason string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAuthRejected, e.reason)
}

func (e *rejectionError) Unwrap() error { return ErrAuthRejected }

// authenticate performs the opening handshake: send the authenticate frame,
// then wait for authenticated or auth_error within the auth timeout.
func (c *Client) authenticate(ws *websocket.Conn) (string, error) {
	credential := c.cfg.Credential
	if c.cfg.TokenProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout)
		token, err := c.cfg.TokenProvider(ctx)
		cancel()
		if err != nil {
			return "", fmt.Errorf("token provider: %w", err)
		}
		credential = token
	}

	frame, err := protocol.Encode(protocol.NewAuthenticate(credential, c.cfg.TenantID, c.cfg.UserID, c.cfg.ClientInfo))
	if err != nil {
		return "", err
	}
	ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.cfg.AuthTimeout)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && !protocol.Retryable(ce.Code) {
				return "", &rejectionError{reason: protocol.CloseText(ce.Code)}
			}
			return "", err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.MessageTypeAuthenticated:
			return msg.ConnectionID, nil
		case protocol.MessageTypeAuthError:
			return "", &rejectionError{reason: msg.Reason}
		default:
			// Frames sent before the confirmation (a broadcast racing the
			// handshake) are dropped; the journal covers the gap.
		}
	}
}

// session runs one connected session: flush the queue, answer heartbeats,
// deliver events, until the transport dies or the client closes. Returns
// (userClosed, retryable).
func (c *Client) session(ws *websocket.Conn) (bool, bool) {
	ws.SetReadDeadline(time.Time{})

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	frames := make(chan protocol.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			select {
			case frames <- msg:
			case <-sessionDone:
				return
			}
		}
	}()

	if !c.flushQueue(ws) {
		ws.Close()
		return false, true
	}

	for {
		select {
		case <-c.closeCh:
			ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ws.Close()
			return true, false

		case <-c.flushCh:
			if !c.flushQueue(ws) {
				ws.Close()
				return false, true
			}

		case msg := <-frames:
			switch msg.Type {
			case protocol.MessageTypePing:
				if err := c.writeMessage(ws, protocol.NewPong()); err != nil {
					ws.Close()
					return false, true
				}
			case protocol.MessageTypeEvent:
				m := msg
				c.emit(Event{Kind: EventMessage, Message: &m})
			case protocol.MessageTypePong:
				// Server answered a ping we never send; harmless.
			default:
				log.Printf("client: unexpected %s frame during session", msg.Type)
			}

		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				ws.Close()
				return false, protocol.Retryable(ce.Code)
			}
			ws.Close()
			return false, true
		}
	}
}

// flushQueue drains the offline queue in FIFO order. An entry leaves the
// queue only after its transport write succeeds, so a failure mid-flush
// keeps the rest for the next session. Returns false on write failure.
func (c *Client) flushQueue(ws *websocket.Conn) bool {
	for {
		entry, ok := c.queue.peek()
		if !ok {
			return true
		}
		msg := protocol.NewEvent(c.cfg.TenantID, entry.EventType, entry.Payload)
		if err := c.writeMessage(ws, msg); err != nil {
			log.Printf("client: flush interrupted, %d messages retained: %v", c.queue.len(), err)
			return false
		}
		c.queue.remove(entry.ID)
	}
}

func (c *Client) writeMessage(ws *websocket.Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// waitRetry arms the backoff timer for the next attempt. Returns false when
// the retry budget is exhausted or the client is closing. A Nudge fires the
// attempt immediately.
func (c *Client) waitRetry() bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
		c.emit(Event{Kind: EventReconnectFailed, Err: ErrRetriesExhausted})
		return false
	}

	delay := backoffDelay(c.cfg.Backoff, c.cfg.BackoffCap, attempt)
	c.apply(evRetryScheduled)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.nudgeCh:
	case <-c.closeCh:
		return false
	}

	c.apply(evRetryFired)
	return true
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func (c *Client) setConnID(id string) {
	c.mu.Lock()
	c.connID = id
	c.mu.Unlock()
}

// apply advances the state machine and publishes the change. An illegal
// transition is a run-loop sequencing bug; it is logged and the state left
// untouched.
func (c *Client) apply(ev stateEvent) {
	c.mu.Lock()
	next, err := transition(c.state, ev)
	if err != nil {
		c.mu.Unlock()
		log.Printf("client: %v", err)
		return
	}
	changed := next != c.state
	c.state = next
	c.mu.Unlock()

	if changed {
		c.emit(Event{Kind: EventStateChanged, State: next})
	}
}

// emit delivers a notification to the application. Message events are
// droppable under backpressure, but lifecycle notifications are not: a
// consumer that has fallen behind still sees every state change, so the
// run loop waits for those (bailing out only if the client is closing).
func (c *Client) emit(ev Event) {
	if ev.Kind == EventMessage {
		select {
		case c.events <- ev:
		default:
			log.Printf("client: events channel full, dropping message notification")
		}
		return
	}

	select {
	case c.events <- ev:
	case <-c.closeCh:
	}
}
