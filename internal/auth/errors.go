package auth

import "errors"

// Verifier construction errors.
var (
	ErrEmptySecret = errors.New("hmac secret must not be empty")
)
