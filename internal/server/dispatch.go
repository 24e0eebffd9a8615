package server

import (
	"context"
	"errors"
	"log"

	"lexrelay/internal/events"
	"lexrelay/internal/pipeline"
	"lexrelay/internal/rooms"
	"lexrelay/internal/websocket"
	"lexrelay/pkg/types"
)

type handlerFunc func(ctx context.Context, conn *websocket.Connection, data map[string]interface{})

// buildDispatch resolves event names to handlers once at startup.
func (s *Server) buildDispatch() map[string]handlerFunc {
	return map[string]handlerFunc{
		types.EventSendMessage:       s.handleSendMessage,
		types.EventMarkDelivered:     s.handleMarkDelivered,
		types.EventMarkRead:          s.handleMarkRead,
		types.EventTypingStart:       s.handleTypingStart,
		types.EventTypingStop:        s.handleTypingStop,
		types.EventJoinConversation:  s.handleJoinConversation,
		types.EventLeaveConversation: s.handleLeaveConversation,
		types.EventAddReaction:       s.handleAddReaction,
		types.EventRemoveReaction:    s.handleRemoveReaction,
		types.EventGetOnlineUsers:    s.handleGetOnlineUsers,
	}
}

// dispatchEvent runs one inbound event through rate limiting and schema
// validation, then hands it to its handler. A handler panic is contained
// to this event; the connection stays usable.
func (s *Server) dispatchEvent(conn *websocket.Connection, envelope *types.Envelope) {
	conn.Touch()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Handler panic on %s from %s: %v", envelope.Event, conn.GetUserID(), r)
			s.sendError(conn, envelope.Event, pipeline.CodeInternal, "internal error")
		}
	}()

	allowed, retryAfter := s.limiter.Allow(conn.GetUserID(), envelope.Event)
	if !allowed {
		if err := conn.WriteEvent(types.EventRateLimitExceeded, map[string]interface{}{
			"event":               envelope.Event,
			"retry_after_seconds": int64(retryAfter.Seconds()),
		}); err != nil {
			log.Printf("Failed to deliver rate limit notice to %s: %v", conn.GetUserID(), err)
		}
		return
	}

	data := envelope.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	if violations := events.Validate(envelope.Event, data); len(violations) > 0 {
		s.sendValidationError(conn, envelope.Event, violations)
		return
	}

	handler, ok := s.dispatch[envelope.Event]
	if !ok {
		s.sendError(conn, envelope.Event, pipeline.CodeValidation, "unrecognized event")
		return
	}
	handler(context.Background(), conn, data)
}

func (s *Server) handleSendMessage(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	s.pipeline.HandleSend(ctx, conn, data)
}

func (s *Server) handleMarkDelivered(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	s.pipeline.HandleDelivered(ctx, conn, data)
}

func (s *Server) handleMarkRead(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	s.pipeline.HandleRead(ctx, conn, data)
}

func (s *Server) handleTypingStart(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	conversationID, _ := data["conversation_id"].(string)
	if !s.rooms.IsMember(conn.GetUserID(), conversationID) {
		s.sendError(conn, types.EventTypingStart, pipeline.CodeAuthorization, "not a participant of this conversation")
		return
	}
	// Renewals only rearm the timer; the room hears one start per burst.
	if s.typing.Start(conversationID, conn.GetUserID()) {
		s.rooms.Broadcast(conversationID, types.EventTypingStart, map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         conn.GetUserID(),
		}, conn.HandleID())
	}
}

func (s *Server) handleTypingStop(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	conversationID, _ := data["conversation_id"].(string)
	if s.typing.Stop(conversationID, conn.GetUserID()) {
		s.rooms.Broadcast(conversationID, types.EventTypingStop, map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         conn.GetUserID(),
		}, conn.HandleID())
	}
}

func (s *Server) handleJoinConversation(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	conversationID, _ := data["conversation_id"].(string)
	if err := s.rooms.JoinRoom(ctx, conn.GetUserID(), conversationID); err != nil {
		switch {
		case errors.Is(err, rooms.ErrNotParticipant):
			s.sendError(conn, types.EventJoinConversation, pipeline.CodeAuthorization, "not a participant of this conversation")
		case errors.Is(err, rooms.ErrConversationNotFound):
			s.sendError(conn, types.EventJoinConversation, pipeline.CodeNotFound, "conversation not found")
		default:
			log.Printf("Join failed for %s in %s: %v", conn.GetUserID(), conversationID, err)
			s.sendError(conn, types.EventJoinConversation, pipeline.CodePersistence, "join failed")
		}
		return
	}
	if err := conn.WriteEvent(types.EventConversationJoined, map[string]interface{}{
		"conversation_id": conversationID,
	}); err != nil {
		log.Printf("Failed to acknowledge join to %s: %v", conn.GetUserID(), err)
	}
}

func (s *Server) handleLeaveConversation(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	conversationID, _ := data["conversation_id"].(string)
	s.rooms.LeaveRoom(conn.GetUserID(), conversationID)
	if err := conn.WriteEvent(types.EventConversationLeft, map[string]interface{}{
		"conversation_id": conversationID,
	}); err != nil {
		log.Printf("Failed to acknowledge leave to %s: %v", conn.GetUserID(), err)
	}
}

func (s *Server) handleAddReaction(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	s.pipeline.HandleAddReaction(ctx, conn, data)
}

func (s *Server) handleRemoveReaction(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	s.pipeline.HandleRemoveReaction(ctx, conn, data)
}

// handleGetOnlineUsers answers with the online members of one conversation
// or, with no conversation given, the online users the requester shares a
// conversation with.
func (s *Server) handleGetOnlineUsers(ctx context.Context, conn *websocket.Connection, data map[string]interface{}) {
	payload := map[string]interface{}{}

	if conversationID, ok := data["conversation_id"].(string); ok && conversationID != "" {
		if !s.rooms.IsMember(conn.GetUserID(), conversationID) {
			s.sendError(conn, types.EventGetOnlineUsers, pipeline.CodeAuthorization, "not a participant of this conversation")
			return
		}
		payload["conversation_id"] = conversationID
		payload["users"] = s.rooms.MembersOf(conversationID)
	} else {
		online := make([]string, 0)
		for _, userID := range s.rooms.CoParticipants(conn.GetUserID()) {
			if s.presence.IsOnline(userID) {
				online = append(online, userID)
			}
		}
		payload["users"] = online
	}

	if err := conn.WriteEvent(types.EventOnlineUsers, payload); err != nil {
		log.Printf("Failed to deliver online users to %s: %v", conn.GetUserID(), err)
	}
}

func (s *Server) sendValidationError(conn *websocket.Connection, event string, violations []string) {
	data := map[string]interface{}{
		"event":   event,
		"code":    pipeline.CodeValidation,
		"message": "invalid payload",
		"details": violations,
	}
	if err := conn.WriteEvent(types.EventError, data); err != nil {
		log.Printf("Failed to deliver validation error to %s: %v", conn.GetUserID(), err)
	}
}
