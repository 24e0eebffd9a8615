package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"lexrelay/internal/auth"
	"lexrelay/internal/config"
	"lexrelay/internal/pipeline"
	"lexrelay/internal/presence"
	"lexrelay/internal/ratelimit"
	"lexrelay/internal/rooms"
	"lexrelay/internal/typing"
	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

// fakeUserStore serves users from memory.
type fakeUserStore struct {
	users map[string]*types.User
}

func (s *fakeUserStore) FindByID(ctx context.Context, userID string) (*types.User, error) {
	user, exists := s.users[userID]
	if !exists {
		return nil, interfaces.ErrUserNotFound
	}
	return user, nil
}

// fakeConversationStore serves static conversations.
type fakeConversationStore struct {
	conversations map[string]*types.Conversation
}

func (s *fakeConversationStore) FindByParticipant(ctx context.Context, userID string) ([]*types.Conversation, error) {
	var out []*types.Conversation
	for _, c := range s.conversations {
		if c.IsParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConversationStore) FindByID(ctx context.Context, conversationID string) (*types.Conversation, error) {
	c, exists := s.conversations[conversationID]
	if !exists {
		return nil, interfaces.ErrConversationNotFound
	}
	return c, nil
}

func (s *fakeConversationStore) HasPermission(ctx context.Context, conversationID, userID, action string) (bool, error) {
	return true, nil
}

func (s *fakeConversationStore) UpdateLastMessage(ctx context.Context, conversationID string, message *types.Message) error {
	return nil
}

func (s *fakeConversationStore) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	return nil
}

// fakeMessageStore persists to memory.
type fakeMessageStore struct {
	messages map[string]*types.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string]*types.Message)}
}

func (s *fakeMessageStore) Save(ctx context.Context, message *types.Message) (*types.Message, error) {
	s.messages[message.ID] = message
	return message, nil
}

func (s *fakeMessageStore) GetByID(ctx context.Context, messageID string) (*types.Message, error) {
	m, exists := s.messages[messageID]
	if !exists {
		return nil, interfaces.ErrMessageNotFound
	}
	return m, nil
}

func (s *fakeMessageStore) MarkDelivered(ctx context.Context, messageID, userID string) error { return nil }
func (s *fakeMessageStore) MarkRead(ctx context.Context, messageID, userID string) error      { return nil }
func (s *fakeMessageStore) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	return nil
}
func (s *fakeMessageStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return nil
}

type testHarness struct {
	server     *Server
	httpServer *httptest.Server
	verifier   *auth.HMACVerifier
}

func newTestHarness(t *testing.T, rules map[string]ratelimit.Rule) *testHarness {
	t.Helper()

	verifier, err := auth.NewHMACVerifier("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	users := &fakeUserStore{users: map[string]*types.User{
		"attorney-1": {ID: "attorney-1", DisplayName: "Attorney", IsActive: true},
		"client-1":   {ID: "client-1", DisplayName: "Client", IsActive: true},
		"inactive-1": {ID: "inactive-1", DisplayName: "Gone", IsActive: false},
	}}
	conversations := &fakeConversationStore{conversations: map[string]*types.Conversation{
		"case-100": {ID: "case-100", ParticipantIDs: []string{"attorney-1", "client-1"}},
	}}
	messages := newFakeMessageStore()

	presenceManager := presence.NewManager(5 * time.Minute)
	roomManager := rooms.NewManager(presenceManager, conversations)
	typingTracker := typing.NewTracker(3*time.Second, roomManager)
	limiter := ratelimit.NewLimiter(rules)
	messagePipeline := pipeline.NewPipeline(messages, conversations, roomManager, presenceManager)

	wsConfig := &config.WebSocketConfig{
		PingInterval: 10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   16,
	}

	s := NewServer(verifier, users, presenceManager, roomManager, typingTracker, limiter, messagePipeline, wsConfig)
	httpServer := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	return &testHarness{server: s, httpServer: httpServer, verifier: verifier}
}

func (h *testHarness) dial(t *testing.T, userID string) *gorilla.Conn {
	t.Helper()
	token, err := h.verifier.Sign(userID, time.Minute)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.httpServer.URL, "http") + "?token=" + token
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// Presence registration and room restoration run after the upgrade
	// response is on the wire; give them a beat before asserting.
	time.Sleep(50 * time.Millisecond)
	return conn
}

func sendEvent(t *testing.T, conn *gorilla.Conn, event string, data map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(types.Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *gorilla.Conn) types.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope types.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return envelope
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	h := newTestHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.httpServer.URL, "http")

	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	h := newTestHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.httpServer.URL, "http") + "?token=not-a-token"

	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial with a bad token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}
}

func TestHandshakeRejectsInactiveUser(t *testing.T) {
	h := newTestHarness(t, nil)
	token, err := h.verifier.Sign("inactive-1", time.Minute)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.httpServer.URL, "http") + "?token=" + token

	_, resp, dialErr := gorilla.DefaultDialer.Dial(url, nil)
	if dialErr == nil {
		t.Fatal("Dial as a deactivated user should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %+v", resp)
	}
}

func TestHandshakeAcceptsBearerHeader(t *testing.T) {
	h := newTestHarness(t, nil)
	token, err := h.verifier.Sign("attorney-1", time.Minute)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.httpServer.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, _, dialErr := gorilla.DefaultDialer.Dial(url, header)
	if dialErr != nil {
		t.Fatalf("Dial with bearer header failed: %v", dialErr)
	}
	_ = conn.Close()
}

func TestSendMessageReachesParticipants(t *testing.T) {
	h := newTestHarness(t, nil)
	sender := h.dial(t, "attorney-1")
	recipient := h.dial(t, "client-1")

	sendEvent(t, sender, types.EventSendMessage, map[string]interface{}{
		"conversation_id": "case-100",
		"temp_id":         "t1",
		"content":         "Settlement terms attached",
	})

	received := readEvent(t, recipient)
	if received.Event != types.EventMessageReceived {
		t.Fatalf("Expected message_received, got %s", received.Event)
	}
	if received.Data["content"] != "Settlement terms attached" || received.Data["sender_id"] != "attorney-1" {
		t.Errorf("Unexpected broadcast payload: %v", received.Data)
	}

	// The sender hears the room broadcast plus the ack and the delivery
	// receipt for the online recipient, in connection write order.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[readEvent(t, sender).Event] = true
	}
	for _, want := range []string{types.EventMessageReceived, types.EventMessageSent, types.EventMessageDelivered} {
		if !seen[want] {
			t.Errorf("Sender missing %s, saw %v", want, seen)
		}
	}
}

func TestValidationErrorReturnsToSenderOnly(t *testing.T) {
	h := newTestHarness(t, nil)
	sender := h.dial(t, "attorney-1")

	sendEvent(t, sender, types.EventSendMessage, map[string]interface{}{
		"temp_id": "t1",
		"content": "missing conversation",
	})

	envelope := readEvent(t, sender)
	if envelope.Event != types.EventError {
		t.Fatalf("Expected error event, got %s", envelope.Event)
	}
	if envelope.Data["code"] != pipeline.CodeValidation {
		t.Errorf("Expected validation code, got %v", envelope.Data)
	}
}

func TestUnrecognizedEventRejected(t *testing.T) {
	h := newTestHarness(t, nil)
	sender := h.dial(t, "attorney-1")

	sendEvent(t, sender, "shred_documents", map[string]interface{}{})

	envelope := readEvent(t, sender)
	if envelope.Event != types.EventError || envelope.Data["code"] != pipeline.CodeValidation {
		t.Errorf("Expected validation error, got %+v", envelope)
	}
}

func TestRateLimitExceededEvent(t *testing.T) {
	h := newTestHarness(t, map[string]ratelimit.Rule{
		types.EventTypingStart: {Points: 2, Window: time.Minute, Block: time.Minute},
	})
	sender := h.dial(t, "attorney-1")

	for i := 0; i < 3; i++ {
		sendEvent(t, sender, types.EventTypingStart, map[string]interface{}{
			"conversation_id": "case-100",
		})
	}

	envelope := readEvent(t, sender)
	if envelope.Event != types.EventRateLimitExceeded {
		t.Fatalf("Expected rate_limit_exceeded, got %s", envelope.Event)
	}
	if envelope.Data["event"] != types.EventTypingStart {
		t.Errorf("Expected the limited event name, got %v", envelope.Data)
	}
	retry, ok := envelope.Data["retry_after_seconds"].(float64)
	if !ok || retry <= 0 {
		t.Errorf("Expected positive retry_after_seconds, got %v", envelope.Data["retry_after_seconds"])
	}
}

func TestTypingStartBroadcastsToOtherMembers(t *testing.T) {
	h := newTestHarness(t, nil)
	typer := h.dial(t, "attorney-1")
	watcher := h.dial(t, "client-1")

	sendEvent(t, typer, types.EventTypingStart, map[string]interface{}{
		"conversation_id": "case-100",
	})

	envelope := readEvent(t, watcher)
	if envelope.Event != types.EventTypingStart || envelope.Data["user_id"] != "attorney-1" {
		t.Errorf("Expected typing_start from attorney-1, got %+v", envelope)
	}
}

func TestJoinConversationAcknowledged(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.dial(t, "attorney-1")

	sendEvent(t, conn, types.EventJoinConversation, map[string]interface{}{
		"conversation_id": "case-100",
	})

	envelope := readEvent(t, conn)
	if envelope.Event != types.EventConversationJoined || envelope.Data["conversation_id"] != "case-100" {
		t.Errorf("Expected conversation_joined ack, got %+v", envelope)
	}
}

func TestGetOnlineUsersForConversation(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.dial(t, "attorney-1")
	_ = h.dial(t, "client-1")

	sendEvent(t, conn, types.EventGetOnlineUsers, map[string]interface{}{
		"conversation_id": "case-100",
	})

	envelope := readEvent(t, conn)
	if envelope.Event != types.EventOnlineUsers {
		t.Fatalf("Expected online_users, got %s", envelope.Event)
	}
	users, ok := envelope.Data["users"].([]interface{})
	if !ok || len(users) != 2 {
		t.Errorf("Expected both members online, got %v", envelope.Data["users"])
	}
}

func TestForceDisconnectDeliversReason(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.dial(t, "attorney-1")

	closed := h.server.ForceDisconnect("attorney-1", "policy violation")
	if closed != 1 {
		t.Errorf("Expected one closed handle, got %d", closed)
	}

	envelope := readEvent(t, conn)
	if envelope.Event != types.EventForceDisconnect || envelope.Data["reason"] != "policy violation" {
		t.Errorf("Expected force_disconnect with reason, got %+v", envelope)
	}
}

func TestStatsCountsConnections(t *testing.T) {
	h := newTestHarness(t, nil)
	h.dial(t, "attorney-1")
	h.dial(t, "attorney-1")
	h.dial(t, "client-1")

	stats := h.server.Stats()
	if stats["online_users"] != 2 {
		t.Errorf("Expected 2 online users, got %v", stats["online_users"])
	}
	if stats["active_connections"] != 3 {
		t.Errorf("Expected 3 connections, got %v", stats["active_connections"])
	}
}
