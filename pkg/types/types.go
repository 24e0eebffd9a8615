package types

import (
	"time"
)

// Inbound event names. The recognized set is closed: the server resolves
// every name to a schema and handler once at startup, and anything outside
// this list is rejected before it reaches business logic.
const (
	EventSendMessage       = "send_message"
	EventMarkDelivered     = "mark_delivered"
	EventMarkRead          = "mark_read"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventAddReaction       = "add_reaction"
	EventRemoveReaction    = "remove_reaction"
	EventGetOnlineUsers    = "get_online_users"
)

// Outbound event names.
const (
	EventMessageReceived    = "message_received"
	EventMessageSent        = "message_sent"
	EventMessageSendFailed  = "message_send_failed"
	EventMessageDelivered   = "message_delivered"
	EventMessageRead        = "message_read"
	EventUserStatusChange   = "user_status_change"
	EventOnlineUsers        = "online_users"
	EventReactionAdded      = "reaction_added"
	EventReactionRemoved    = "reaction_removed"
	EventConversationJoined = "conversation_joined"
	EventConversationLeft   = "conversation_left"
	EventSystemNotice       = "system_notice"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventError              = "error"
	EventForceDisconnect    = "force_disconnect"
)

// Presence status values for a user aggregated across all handles.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Message priorities. Priority defaults to normal when the client omits it.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Envelope is the wire frame for every event in both directions.
// Data stays untyped so the validator can normalize payloads in place
// before handlers see them.
type Envelope struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Message is the transient record the pipeline holds while processing a
// send. Message storage is owned by the external message store; the core
// never keeps these after the pipeline completes.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	Priority       string        `json:"priority"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Formatting     []FormatRange `json:"formatting,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Attachment metadata for a file already uploaded to object storage.
// The core validates the metadata but never touches the file itself.
type Attachment struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// FormatRange is a formatting span over message content, [Start, End)
// measured over the sanitized content.
type FormatRange struct {
	Kind  string `json:"kind"` // bold, italic, code, link
	Start int    `json:"start"`
	End   int    `json:"end"`
	URL   string `json:"url,omitempty"` // link spans only
}

// Conversation is read from the external conversation store. ParticipantIDs
// holds active (non-departed) participants only; departed users fail the
// membership checks that gate joins and broadcasts.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// User is read from the external user store at handshake time.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// IsParticipant reports whether userID is an active participant of the
// conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsValidPriority checks a client-supplied priority value.
func IsValidPriority(p string) bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}
