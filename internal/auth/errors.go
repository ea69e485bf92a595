package auth

import "errors"

// Verification errors
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrVerifierTimeout   = errors.New("credential verification timed out")
)
