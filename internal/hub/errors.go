package hub

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection send buffer full")
	ErrWriteTimeout     = errors.New("write timeout")
)

// Registry-related errors
var (
	ErrNilConnection         = errors.New("connection cannot be nil")
	ErrAlreadyRegistered     = errors.New("connection already registered")
	ErrTenantCapacityReached = errors.New("tenant connection cap reached")
	ErrUserCapacityReached   = errors.New("user connection cap reached")
)

// Lifecycle errors
var (
	ErrHubAlreadyRunning = errors.New("hub already running")
	ErrHubNotRunning     = errors.New("hub not running")
)

// Protocol violations detected by the read loop. Both close the
// connection with the protocol-error code; they indicate a client bug.
var (
	errMalformedFrame = errors.New("malformed frame")
	errRateLimited    = errors.New("inbound rate limit exceeded")
)
