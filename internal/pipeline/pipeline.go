package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

// Rooms is the broadcast surface the pipeline needs from the room
// membership manager.
type Rooms interface {
	Broadcast(conversationID, event string, data map[string]interface{}, excludeHandleID string)
}

// Presence answers online checks for delivery marking and resolves the
// handle receipts are delivered on.
type Presence interface {
	IsOnline(userID string) bool
	GetHandle(userID string) (interfaces.Handle, bool)
}

// Pipeline orchestrates the message lifecycle: authorize, persist,
// broadcast, then track per-recipient delivery and read receipts.
// Payloads arrive already validated; the pipeline enforces authorization
// and converts persistence failures into targeted events on the emitting
// handle, never partial broadcasts.
type Pipeline struct {
	messages      interfaces.MessageStore
	conversations interfaces.ConversationStore
	rooms         Rooms
	presence      Presence
	now           func() time.Time
}

// NewPipeline creates a message pipeline.
func NewPipeline(messages interfaces.MessageStore, conversations interfaces.ConversationStore, rooms Rooms, presence Presence) *Pipeline {
	return &Pipeline{
		messages:      messages,
		conversations: conversations,
		rooms:         rooms,
		presence:      presence,
		now:           time.Now,
	}
}

// HandleSend processes a send_message event from the given handle.
func (p *Pipeline) HandleSend(ctx context.Context, sender interfaces.Handle, data map[string]interface{}) {
	conversationID, _ := data["conversation_id"].(string)
	tempID, _ := data["temp_id"].(string)

	conversation, err := p.conversations.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			p.sendFailure(sender, tempID, CodeNotFound, "conversation not found")
			return
		}
		log.Printf("Send failed: conversation lookup %s: %v", conversationID, err)
		p.sendFailure(sender, tempID, CodePersistence, "message could not be sent")
		return
	}
	if !conversation.IsParticipant(sender.GetUserID()) {
		p.sendFailure(sender, tempID, CodeAuthorization, "not a participant of this conversation")
		return
	}
	allowed, err := p.conversations.HasPermission(ctx, conversationID, sender.GetUserID(), interfaces.ActionSendMessage)
	if err != nil {
		log.Printf("Send failed: permission check %s/%s: %v", conversationID, sender.GetUserID(), err)
		p.sendFailure(sender, tempID, CodePersistence, "message could not be sent")
		return
	}
	if !allowed {
		p.sendFailure(sender, tempID, CodeAuthorization, "not permitted to send in this conversation")
		return
	}

	message := p.buildMessage(conversationID, sender.GetUserID(), data)
	stored, err := p.messages.Save(ctx, message)
	if err != nil {
		log.Printf("Send failed: persist message for %s in %s: %v", sender.GetUserID(), conversationID, err)
		p.sendFailure(sender, tempID, CodePersistence, "message could not be sent")
		return
	}
	if err := p.conversations.UpdateLastMessage(ctx, conversationID, stored); err != nil {
		log.Printf("Send failed: update last message for %s: %v", conversationID, err)
		p.sendFailure(sender, tempID, CodePersistence, "message could not be sent")
		return
	}

	p.rooms.Broadcast(conversationID, types.EventMessageReceived, messagePayload(stored), "")

	if err := sender.WriteEvent(types.EventMessageSent, map[string]interface{}{
		"message_id":      stored.ID,
		"temp_id":         tempID,
		"conversation_id": conversationID,
		"created_at":      stored.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		log.Printf("Failed to acknowledge send to %s: %v", sender.GetUserID(), err)
	}

	p.markOnlineRecipientsDelivered(ctx, sender, conversation, stored)
}

// markOnlineRecipientsDelivered records delivery for every online
// participant other than the sender and notifies the sender once per
// recipient. Failures affect only that recipient's mark.
func (p *Pipeline) markOnlineRecipientsDelivered(ctx context.Context, sender interfaces.Handle, conversation *types.Conversation, message *types.Message) {
	for _, userID := range conversation.ParticipantIDs {
		if userID == message.SenderID || !p.presence.IsOnline(userID) {
			continue
		}
		if err := p.messages.MarkDelivered(ctx, message.ID, userID); err != nil {
			log.Printf("Failed to mark %s delivered to %s: %v", message.ID, userID, err)
			continue
		}
		if err := sender.WriteEvent(types.EventMessageDelivered, map[string]interface{}{
			"message_id":   message.ID,
			"user_id":      userID,
			"delivered_at": p.now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			log.Printf("Failed to notify %s of delivery: %v", message.SenderID, err)
		}
	}
}

// HandleDelivered processes a mark_delivered acknowledgment from a
// recipient. Repeats are no-ops at the store and still notify the sender.
func (p *Pipeline) HandleDelivered(ctx context.Context, from interfaces.Handle, data map[string]interface{}) {
	messageID, _ := data["message_id"].(string)

	message, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		p.sendError(from, types.EventMarkDelivered, lookupCode(err), "message not found")
		return
	}
	if !p.requireParticipant(ctx, from, message.ConversationID, types.EventMarkDelivered) {
		return
	}
	if err := p.messages.MarkDelivered(ctx, messageID, from.GetUserID()); err != nil {
		log.Printf("Failed to mark %s delivered by %s: %v", messageID, from.GetUserID(), err)
		p.sendError(from, types.EventMarkDelivered, CodePersistence, "delivery could not be recorded")
		return
	}

	p.notifySender(message.SenderID, types.EventMessageDelivered, map[string]interface{}{
		"message_id":   messageID,
		"user_id":      from.GetUserID(),
		"delivered_at": p.now().UTC().Format(time.RFC3339Nano),
	})
}

// HandleRead processes a mark_read acknowledgment, either for one message
// or for an entire conversation.
func (p *Pipeline) HandleRead(ctx context.Context, from interfaces.Handle, data map[string]interface{}) {
	if conversationID, ok := data["conversation_id"].(string); ok && conversationID != "" {
		p.handleConversationRead(ctx, from, conversationID)
		return
	}

	messageID, _ := data["message_id"].(string)
	message, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		p.sendError(from, types.EventMarkRead, lookupCode(err), "message not found")
		return
	}
	if !p.requireParticipant(ctx, from, message.ConversationID, types.EventMarkRead) {
		return
	}
	if err := p.messages.MarkRead(ctx, messageID, from.GetUserID()); err != nil {
		log.Printf("Failed to mark %s read by %s: %v", messageID, from.GetUserID(), err)
		p.sendError(from, types.EventMarkRead, CodePersistence, "read receipt could not be recorded")
		return
	}

	p.notifySender(message.SenderID, types.EventMessageRead, map[string]interface{}{
		"message_id": messageID,
		"user_id":    from.GetUserID(),
		"read_at":    p.now().UTC().Format(time.RFC3339Nano),
	})
}

func (p *Pipeline) handleConversationRead(ctx context.Context, from interfaces.Handle, conversationID string) {
	if !p.requireParticipant(ctx, from, conversationID, types.EventMarkRead) {
		return
	}
	if err := p.conversations.MarkConversationRead(ctx, conversationID, from.GetUserID()); err != nil {
		log.Printf("Failed to mark conversation %s read by %s: %v", conversationID, from.GetUserID(), err)
		p.sendError(from, types.EventMarkRead, CodePersistence, "read receipt could not be recorded")
		return
	}

	p.rooms.Broadcast(conversationID, types.EventMessageRead, map[string]interface{}{
		"conversation_id": conversationID,
		"user_id":         from.GetUserID(),
		"read_at":         p.now().UTC().Format(time.RFC3339Nano),
	}, from.HandleID())
}

// HandleAddReaction processes an add_reaction event. Duplicate adds are
// idempotent at the store.
func (p *Pipeline) HandleAddReaction(ctx context.Context, from interfaces.Handle, data map[string]interface{}) {
	p.handleReaction(ctx, from, data, true)
}

// HandleRemoveReaction processes a remove_reaction event.
func (p *Pipeline) HandleRemoveReaction(ctx context.Context, from interfaces.Handle, data map[string]interface{}) {
	p.handleReaction(ctx, from, data, false)
}

func (p *Pipeline) handleReaction(ctx context.Context, from interfaces.Handle, data map[string]interface{}, add bool) {
	event := types.EventRemoveReaction
	if add {
		event = types.EventAddReaction
	}
	messageID, _ := data["message_id"].(string)
	emoji, _ := data["emoji"].(string)

	message, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		p.sendError(from, event, lookupCode(err), "message not found")
		return
	}
	conversation, err := p.conversations.FindByID(ctx, message.ConversationID)
	if err != nil {
		p.sendError(from, event, lookupCode(err), "conversation not found")
		return
	}
	if !conversation.IsParticipant(from.GetUserID()) {
		p.sendError(from, event, CodeAuthorization, "not a participant of this conversation")
		return
	}

	if add {
		err = p.messages.AddReaction(ctx, messageID, from.GetUserID(), emoji)
	} else {
		err = p.messages.RemoveReaction(ctx, messageID, from.GetUserID(), emoji)
	}
	if err != nil {
		log.Printf("Failed reaction %s on %s by %s: %v", event, messageID, from.GetUserID(), err)
		p.sendError(from, event, CodePersistence, "reaction could not be recorded")
		return
	}

	broadcast := types.EventReactionRemoved
	if add {
		broadcast = types.EventReactionAdded
	}
	p.rooms.Broadcast(message.ConversationID, broadcast, map[string]interface{}{
		"message_id":      messageID,
		"conversation_id": message.ConversationID,
		"user_id":         from.GetUserID(),
		"emoji":           emoji,
	}, "")
}

// buildMessage constructs the record from a validated payload. Priority
// defaults to normal when absent.
func (p *Pipeline) buildMessage(conversationID, senderID string, data map[string]interface{}) *types.Message {
	message := &types.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Priority:       types.PriorityNormal,
		CreatedAt:      p.now().UTC(),
	}
	if content, ok := data["content"].(string); ok {
		message.Content = content
	}
	if replyTo, ok := data["reply_to_id"].(string); ok {
		message.ReplyToID = replyTo
	}
	if priority, ok := data["priority"].(string); ok && types.IsValidPriority(priority) {
		message.Priority = priority
	}
	message.Attachments = decodeAttachments(data["attachments"])
	message.Formatting = decodeFormatting(data["formatting"])
	return message
}

func decodeAttachments(raw interface{}) []types.Attachment {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	attachments := make([]types.Attachment, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		attachment := types.Attachment{}
		attachment.FileName, _ = fields["file_name"].(string)
		attachment.MimeType, _ = fields["mime_type"].(string)
		attachment.URL, _ = fields["url"].(string)
		if size, ok := fields["size"].(float64); ok {
			attachment.Size = int64(size)
		}
		attachments = append(attachments, attachment)
	}
	return attachments
}

func decodeFormatting(raw interface{}) []types.FormatRange {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	spans := make([]types.FormatRange, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		span := types.FormatRange{}
		span.Kind, _ = fields["kind"].(string)
		span.URL, _ = fields["url"].(string)
		if start, ok := fields["start"].(float64); ok {
			span.Start = int(start)
		}
		if end, ok := fields["end"].(float64); ok {
			span.End = int(end)
		}
		spans = append(spans, span)
	}
	return spans
}

// messagePayload renders the stored message for the room broadcast.
func messagePayload(message *types.Message) map[string]interface{} {
	payload := map[string]interface{}{
		"id":              message.ID,
		"conversation_id": message.ConversationID,
		"sender_id":       message.SenderID,
		"content":         message.Content,
		"priority":        message.Priority,
		"created_at":      message.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if message.ReplyToID != "" {
		payload["reply_to_id"] = message.ReplyToID
	}
	if len(message.Attachments) > 0 {
		payload["attachments"] = message.Attachments
	}
	if len(message.Formatting) > 0 {
		payload["formatting"] = message.Formatting
	}
	return payload
}

// notifySender delivers a receipt to the sender's most recently active
// handle. An offline sender simply misses the receipt; read/delivery state
// is already persisted and can be fetched on reconnect.
func (p *Pipeline) notifySender(senderID, event string, data map[string]interface{}) {
	handle, ok := p.presence.GetHandle(senderID)
	if !ok {
		return
	}
	if err := handle.WriteEvent(event, data); err != nil {
		log.Printf("Failed to deliver %s to %s: %v", event, senderID, err)
	}
}

// requireParticipant gates receipt marks the same way reactions are
// gated: only a participant of the conversation may act on its messages.
// Emits the authorization error itself and reports whether to proceed.
func (p *Pipeline) requireParticipant(ctx context.Context, from interfaces.Handle, conversationID, event string) bool {
	conversation, err := p.conversations.FindByID(ctx, conversationID)
	if err != nil {
		p.sendError(from, event, lookupCode(err), "conversation not found")
		return false
	}
	if !conversation.IsParticipant(from.GetUserID()) {
		p.sendError(from, event, CodeAuthorization, "not a participant of this conversation")
		return false
	}
	return true
}

// sendFailure emits message_send_failed carrying the client's temp_id so
// optimistic UI state can be rolled back.
func (p *Pipeline) sendFailure(sender interfaces.Handle, tempID, code, reason string) {
	if err := sender.WriteEvent(types.EventMessageSendFailed, map[string]interface{}{
		"temp_id": tempID,
		"code":    code,
		"message": reason,
	}); err != nil {
		log.Printf("Failed to deliver send failure to %s: %v", sender.GetUserID(), err)
	}
}

func (p *Pipeline) sendError(from interfaces.Handle, event, code, reason string) {
	if err := from.WriteEvent(types.EventError, map[string]interface{}{
		"event":   event,
		"code":    code,
		"message": reason,
	}); err != nil {
		log.Printf("Failed to deliver error to %s: %v", from.GetUserID(), err)
	}
}

func lookupCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrMessageNotFound), errors.Is(err, interfaces.ErrConversationNotFound):
		return CodeNotFound
	default:
		return CodePersistence
	}
}
