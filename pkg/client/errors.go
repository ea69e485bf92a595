package client

import "errors"

var (
	// ErrClientClosed is returned by operations on a client after Close.
	ErrClientClosed = errors.New("client is closed")

	// ErrQueueFull is returned by Send when the outbound queue has reached
	// its configured limit.
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrAuthRejected is the terminal failure reported when the server
	// refuses the credential, the tenant claim, or admission capacity.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrRetriesExhausted is reported when the reconnection controller
	// gives up after the configured maximum attempts.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	errIllegalTransition = errors.New("illegal state transition")
)
