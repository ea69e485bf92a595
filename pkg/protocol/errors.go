package protocol

import "errors"

// Wire-level errors
var (
	ErrMalformedMessage = errors.New("malformed protocol message")
)
