package types

import "errors"

// Shared validation errors surfaced by multiple components.
var (
	ErrInvalidUserID         = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidConversationID = errors.New("conversation ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidPriority       = errors.New("priority must be one of: normal, high, urgent")
	ErrInvalidEmoji          = errors.New("invalid reaction emoji")
)
