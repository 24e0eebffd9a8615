package interfaces

import (
	"context"

	"lexrelay/pkg/types"
)

// Permission actions checked through ConversationStore.HasPermission.
const (
	ActionSendMessage = "send_message"
)

// TokenVerifier authenticates a connection handshake. Called exactly once
// per connection, before any presence state is registered.
type TokenVerifier interface {
	// Verify returns the user ID embedded in the token, or
	// ErrTokenInvalid/ErrTokenExpired.
	Verify(token string) (string, error)
}

// UserStore looks up platform users. The core reads users at handshake
// time and never writes them.
type UserStore interface {
	// FindByID returns the user or ErrUserNotFound.
	FindByID(ctx context.Context, userID string) (*types.User, error)
}

// ConversationStore exposes the conversation records the core reads for
// membership, authorization and room restoration. Conversation lifecycle
// is owned by the platform, not the core.
type ConversationStore interface {
	// FindByParticipant returns every conversation the user actively
	// participates in, for connect-time room restoration.
	FindByParticipant(ctx context.Context, userID string) ([]*types.Conversation, error)

	// FindByID returns the conversation or ErrConversationNotFound.
	FindByID(ctx context.Context, conversationID string) (*types.Conversation, error)

	// HasPermission evaluates the platform's permission predicate for a
	// user action within a conversation.
	HasPermission(ctx context.Context, conversationID, userID, action string) (bool, error)

	// UpdateLastMessage stamps the conversation with its newest message.
	UpdateLastMessage(ctx context.Context, conversationID string, message *types.Message) error

	// MarkConversationRead marks every message in the conversation read
	// for the user. Idempotent.
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
}

// MessageStore persists messages and their per-recipient delivery/read
// state. All mark and reaction operations are idempotent: repeating one
// is a no-op, not an error.
type MessageStore interface {
	// Save persists a new message and returns the stored record.
	Save(ctx context.Context, message *types.Message) (*types.Message, error)

	// GetByID returns the message or ErrMessageNotFound. The pipeline
	// needs the stored sender and conversation to route receipts.
	GetByID(ctx context.Context, messageID string) (*types.Message, error)

	// MarkDelivered records delivery of the message to a recipient.
	MarkDelivered(ctx context.Context, messageID, userID string) error

	// MarkRead records that a recipient has viewed the message.
	MarkRead(ctx context.Context, messageID, userID string) error

	// AddReaction records a reaction; duplicate adds of the same emoji by
	// the same user are no-ops.
	AddReaction(ctx context.Context, messageID, userID, emoji string) error

	// RemoveReaction removes a reaction if present.
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
}
