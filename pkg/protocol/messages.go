package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// Message type constants for the hub wire protocol.
// The handshake is strictly ordered: "authenticate" must be the first frame
// on every connection, before any other type is accepted.
const (
	MessageTypeAuthenticate  = "authenticate"
	MessageTypeAuthenticated = "authenticated"
	MessageTypeAuthError     = "auth_error"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeEvent         = "event"
)

// Machine-readable rejection reasons carried by auth_error messages.
// Clients use these (together with the close code) to decide whether a
// retry can succeed without operator intervention.
const (
	ReasonBadCredential    = "bad_credential"
	ReasonTenantMismatch   = "tenant_mismatch"
	ReasonCapacityExceeded = "capacity_exceeded"
)

// Message is the single wire envelope for all hub traffic.
// Fields are populated per type; unused fields are omitted from the frame.
// Payload is kept as raw JSON because event payloads (order state, payment
// confirmations, kitchen updates) are opaque to the hub itself.
type Message struct {
	Type string `json:"type"`

	// authenticate (client -> server)
	Credential string `json:"credential,omitempty"`
	ClientInfo string `json:"client_info,omitempty"`

	// authenticate / authenticated / event
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// authenticated (server -> client)
	ConnectionID string `json:"connection_id,omitempty"`

	// auth_error (server -> client)
	Reason string `json:"reason,omitempty"`

	// event (server -> client)
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewAuthenticate builds the opening handshake frame.
func NewAuthenticate(credential, tenantID, userID, clientInfo string) Message {
	return Message{
		Type:       MessageTypeAuthenticate,
		Credential: credential,
		TenantID:   tenantID,
		UserID:     userID,
		ClientInfo: clientInfo,
		Timestamp:  time.Now(),
	}
}

// NewAuthenticated builds the server's handshake confirmation.
func NewAuthenticated(userID, tenantID, connectionID string) Message {
	return Message{
		Type:         MessageTypeAuthenticated,
		UserID:       userID,
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Timestamp:    time.Now(),
	}
}

// NewAuthError builds the rejection frame sent before closing.
func NewAuthError(reason string) Message {
	return Message{
		Type:      MessageTypeAuthError,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// NewPing builds a heartbeat probe.
func NewPing() Message {
	return Message{Type: MessageTypePing, Timestamp: time.Now()}
}

// NewPong builds a heartbeat response.
func NewPong() Message {
	return Message{Type: MessageTypePong, Timestamp: time.Now()}
}

// NewEvent builds an application broadcast frame.
func NewEvent(tenantID, eventType string, payload json.RawMessage) Message {
	return Message{
		Type:      MessageTypeEvent,
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Encode serializes a message to a JSON text frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON text frame into a message.
// A frame with an empty type field is rejected as malformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, ErrMalformedMessage
	}
	if m.Type == "" {
		return Message{}, ErrMalformedMessage
	}
	return m, nil
}
