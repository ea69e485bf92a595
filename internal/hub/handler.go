package hub

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"orderhub/internal/auth"
	"orderhub/internal/config"
	"orderhub/internal/metrics"
	"orderhub/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// POS terminals and kitchen displays connect from native apps and
		// embedded webviews; origin enforcement happens at the edge proxy.
		return true
	},
}

// InboundFunc receives steady-state application messages from a client.
// The hub itself only routes; business handling is injected.
type InboundFunc func(conn *Connection, msg protocol.Message)

// Handler owns the server side of the connection lifecycle: upgrade,
// the strictly ordered authentication handshake, steady-state heartbeat
// supervision, and teardown. One supervisor goroutine per connection owns
// every timer for that connection, so teardown cancels them all in one
// place.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	cfg      *config.HubConfig
	inbound  InboundFunc // may be nil
}

// NewHandler creates a connection handler.
func NewHandler(h *Hub, verifier auth.Verifier, cfg *config.HubConfig, inbound InboundFunc) *Handler {
	return &Handler{
		hub:      h,
		verifier: verifier,
		cfg:      cfg,
		inbound:  inbound,
	}
}

// HandleWebSocket upgrades the HTTP request and hands the socket to a
// per-connection supervisor. No registry interaction happens here: the
// connection stays pending until the handshake completes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("handler: websocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, h.cfg.SendBuffer)
	metrics.Connections.Inc()

	go h.serveConn(conn)
}

// serveConn is the per-connection supervisor. It runs the handshake phase
// under the auth timeout, then the steady-state loop with heartbeat
// supervision. All failure paths send a distinguishable close code before
// releasing the transport; the client is never left guessing.
func (h *Handler) serveConn(conn *Connection) {
	defer func() {
		h.hub.Registry().Unregister(conn)
		conn.teardown()
		metrics.Connections.Dec()
	}()

	frames := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go h.readLoop(conn, frames, readErr)

	if !h.handshake(conn, frames, readErr) {
		return
	}

	h.steadyState(conn, frames, readErr)
}

// handshake enforces the ordered protocol: the first frame must be an
// authenticate request, arriving within the auth window. Returns true if
// the connection reached steady state.
func (h *Handler) handshake(conn *Connection, frames <-chan protocol.Message, readErr <-chan error) bool {
	authTimer := time.NewTimer(h.cfg.AuthTimeout)
	defer authTimer.Stop()

	select {
	case msg := <-frames:
		if msg.Type != protocol.MessageTypeAuthenticate {
			log.Printf("handler: connection %s sent %q before authenticating", conn.ID(), msg.Type)
			conn.MarkRejected()
			conn.CloseWithCode(protocol.CloseProtocolError, protocol.CloseText(protocol.CloseProtocolError))
			return false
		}
		return h.authenticate(conn, msg)

	case err := <-readErr:
		h.closeForReadError(conn, err)
		return false

	case <-authTimer.C:
		log.Printf("handler: connection %s timed out before authenticating", conn.ID())
		conn.MarkRejected()
		metrics.AuthFailures.WithLabelValues("timeout").Inc()
		conn.CloseWithCode(protocol.CloseAuthTimeout, protocol.CloseText(protocol.CloseAuthTimeout))
		return false

	case <-conn.Done():
		return false
	}
}

// authenticate verifies the credential, checks tenant authority and
// capacity, and admits the connection. Every rejection sends an
// auth_error with a machine-readable reason followed by a reason-specific
// close code.
func (h *Handler) authenticate(conn *Connection, msg protocol.Message) bool {
	identity, err := auth.VerifyWithTimeout(conn.ctx, h.verifier, msg.Credential, h.cfg.VerifyTimeout)
	if err != nil {
		log.Printf("handler: connection %s failed verification: %v", conn.ID(), err)
		h.reject(conn, protocol.ReasonBadCredential, protocol.CloseBadCredential)
		return false
	}

	tenantID := msg.TenantID
	if tenantID == "" {
		tenantID = identity.TenantID
	}

	// The declared tenant must match the verified identity unless the
	// identity is privileged to act as any tenant.
	if tenantID != identity.TenantID && !identity.Admin {
		log.Printf("handler: connection %s declared tenant %q but identity belongs to %q",
			conn.ID(), tenantID, identity.TenantID)
		h.reject(conn, protocol.ReasonTenantMismatch, protocol.CloseTenantMismatch)
		return false
	}

	if err := h.hub.Registry().Register(conn, tenantID, identity.UserID); err != nil {
		log.Printf("handler: connection %s rejected at admission: %v", conn.ID(), err)
		h.reject(conn, protocol.ReasonCapacityExceeded, protocol.CloseCapacityExceeded)
		return false
	}

	ack := protocol.NewAuthenticated(identity.UserID, tenantID, conn.ID())
	if err := conn.SendMessage(ack); err != nil {
		log.Printf("handler: connection %s failed to send auth confirmation: %v", conn.ID(), err)
		h.hub.Registry().Unregister(conn)
		conn.teardown()
		return false
	}

	conn.TouchLiveness()
	log.Printf("handler: connection %s authenticated (tenant=%s user=%s)", conn.ID(), tenantID, identity.UserID)
	return true
}

func (h *Handler) reject(conn *Connection, reason string, closeCode int) {
	conn.MarkRejected()
	metrics.AuthFailures.WithLabelValues(reason).Inc()

	if data, err := protocol.Encode(protocol.NewAuthError(reason)); err == nil {
		_ = conn.Send(data)
	}
	conn.CloseWithCode(closeCode, protocol.CloseText(closeCode))
}

// steadyState supervises an authenticated connection: heartbeat probes on
// a fixed interval, eviction after MissThreshold consecutive unanswered
// probes, and dispatch of application messages.
func (h *Handler) steadyState(conn *Connection, frames <-chan protocol.Message, readErr <-chan error) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0

	for {
		select {
		case msg := <-frames:
			switch msg.Type {
			case protocol.MessageTypePong:
				conn.TouchLiveness()
				missed = 0

			case protocol.MessageTypePing:
				// Clients may probe the server too; answer immediately.
				if data, err := protocol.Encode(protocol.NewPong()); err == nil {
					_ = conn.TrySend(data)
				}

			case protocol.MessageTypeAuthenticate:
				// Re-authentication on a live connection is a protocol
				// violation.
				conn.CloseWithCode(protocol.CloseProtocolError, protocol.CloseText(protocol.CloseProtocolError))
				return

			default:
				if h.inbound != nil {
					h.inbound(conn, msg)
				} else {
					log.Printf("handler: unrouted %q message from connection %s", msg.Type, conn.ID())
				}
			}

		case <-ticker.C:
			if missed >= h.cfg.MissThreshold {
				log.Printf("handler: connection %s missed %d heartbeats, evicting", conn.ID(), missed)
				conn.CloseWithCode(protocol.CloseHeartbeatTimeout, protocol.CloseText(protocol.CloseHeartbeatTimeout))
				metrics.EvictionsTotal.WithLabelValues(metrics.ReasonHeartbeatTimeout).Inc()
				return
			}
			missed++
			if data, err := protocol.Encode(protocol.NewPing()); err == nil {
				if err := conn.Send(data); err != nil {
					return
				}
			}

		case err := <-readErr:
			h.closeForReadError(conn, err)
			return

		case <-conn.Done():
			return
		}
	}
}

// closeForReadError maps read-loop failures to close behavior: protocol
// violations get the protocol-error code; transport failures need no
// close frame because the transport is already gone.
func (h *Handler) closeForReadError(conn *Connection, err error) {
	if errors.Is(err, errMalformedFrame) || errors.Is(err, errRateLimited) {
		log.Printf("handler: protocol violation on connection %s: %v", conn.ID(), err)
		conn.CloseWithCode(protocol.CloseProtocolError, protocol.CloseText(protocol.CloseProtocolError))
		return
	}
	conn.teardown()
}

// readLoop pulls frames off the socket, enforces the inbound rate limit,
// and decodes them for the supervisor. It exits on the first error; the
// supervisor decides how to close.
func (h *Handler) readLoop(conn *Connection, frames chan<- protocol.Message, readErr chan<- error) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)
	conn.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}

		if !limiter.Allow() {
			readErr <- errRateLimited
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			readErr <- errMalformedFrame
			return
		}

		select {
		case frames <- msg:
		case <-conn.Done():
			return
		}
	}
}
