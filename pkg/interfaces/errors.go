package interfaces

import "errors"

// Errors returned across the collaborator boundary. Components compare
// against these with errors.Is to map store failures onto the event-level
// error taxonomy.
var (
	ErrTokenInvalid         = errors.New("token invalid")
	ErrTokenExpired         = errors.New("token expired")
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)
