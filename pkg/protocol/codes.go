package protocol

import "github.com/gorilla/websocket"

// WebSocket close codes used by the hub. Application codes live in the
// 4000-4999 range reserved for private use by RFC 6455.
// Each rejection path closes with its own code so clients never have to
// guess why they were disconnected.
const (
	CloseNormal           = websocket.CloseNormalClosure // 1000
	CloseProtocolError    = 4000
	CloseAuthTimeout      = 4001
	CloseBadCredential    = 4002
	CloseTenantMismatch   = 4003
	CloseCapacityExceeded = 4008
	CloseHeartbeatTimeout = 4009
	CloseServerShutdown   = 4010
)

// Retryable reports whether a client should auto-reconnect after being
// closed with the given code. Transport and liveness failures are
// retryable; explicit rejections are not and must be surfaced to the user.
// Server shutdown is retryable per normal backoff so a fleet restart does
// not strand every terminal.
func Retryable(code int) bool {
	switch code {
	case CloseProtocolError, CloseBadCredential, CloseTenantMismatch, CloseCapacityExceeded:
		return false
	case CloseAuthTimeout, CloseHeartbeatTimeout, CloseServerShutdown, CloseNormal:
		return true
	default:
		// Unknown codes (1006 abnormal closure, proxy-injected codes) are
		// treated as transport failures.
		return true
	}
}

// CloseText returns a short human-readable description for a close code,
// used in close frames and log lines.
func CloseText(code int) string {
	switch code {
	case CloseNormal:
		return "normal closure"
	case CloseProtocolError:
		return "protocol error"
	case CloseAuthTimeout:
		return "authentication timeout"
	case CloseBadCredential:
		return "authentication rejected"
	case CloseTenantMismatch:
		return "tenant mismatch"
	case CloseCapacityExceeded:
		return "capacity exceeded"
	case CloseHeartbeatTimeout:
		return "heartbeat timeout"
	case CloseServerShutdown:
		return "server shutting down"
	default:
		return "connection closed"
	}
}
