package rooms

import "errors"

// Membership and authorization errors.
var (
	ErrNotParticipant       = errors.New("user is not an active participant of this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
)
