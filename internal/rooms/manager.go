package rooms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"lexrelay/pkg/interfaces"
)

// HandleResolver is the slice of the presence manager rooms needs to turn
// member user IDs into live transport handles.
type HandleResolver interface {
	Handles(userID string) []interfaces.Handle
	IsOnline(userID string) bool
}

// ConversationRoom returns the broadcast room identifier for a
// conversation.
func ConversationRoom(conversationID string) string {
	return "conversation_" + conversationID
}

// UserRoom returns a user's private channel identifier, used for direct
// notifications.
func UserRoom(userID string) string {
	return "user_" + userID
}

// Manager maps users to the conversation-scoped broadcast groups they
// belong to. Membership is reconstructed from the conversation store at
// connect time and mutated by explicit join/leave events. The broadcast
// path only ever walks the membership tables, which is what enforces the
// invariant that non-members are never delivered a room's events.
type Manager struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]bool // roomID -> set of userIDs
	userRooms map[string]map[string]bool // userID -> set of roomIDs

	resolver      HandleResolver
	conversations interfaces.ConversationStore
}

// NewManager creates a room membership manager.
func NewManager(resolver HandleResolver, conversations interfaces.ConversationStore) *Manager {
	return &Manager{
		rooms:         make(map[string]map[string]bool),
		userRooms:     make(map[string]map[string]bool),
		resolver:      resolver,
		conversations: conversations,
	}
}

// RestoreRooms joins a connecting user to every conversation they actively
// participate in, plus their private channel. Called on connect; a
// reconnect within the presence grace period re-joins the same set so no
// explicit re-join events are needed.
func (m *Manager) RestoreRooms(ctx context.Context, userID string) error {
	conversations, err := m.conversations.FindByParticipant(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversations for %s: %w", userID, err)
	}

	m.mu.Lock()
	m.join(userID, UserRoom(userID))
	for _, conversation := range conversations {
		m.join(userID, ConversationRoom(conversation.ID))
	}
	m.mu.Unlock()

	log.Printf("Rooms restored: user=%s conversations=%d", userID, len(conversations))
	return nil
}

// JoinRoom adds a user to a conversation room after checking that they are
// an active participant. On authorization failure no state changes occur.
func (m *Manager) JoinRoom(ctx context.Context, userID, conversationID string) error {
	conversation, err := m.conversations.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	if !conversation.IsParticipant(userID) {
		return ErrNotParticipant
	}

	m.mu.Lock()
	m.join(userID, ConversationRoom(conversationID))
	m.mu.Unlock()
	return nil
}

// LeaveRoom removes a user from a conversation room. Idempotent.
func (m *Manager) LeaveRoom(userID, conversationID string) {
	m.mu.Lock()
	m.leave(userID, ConversationRoom(conversationID))
	m.mu.Unlock()
}

// RemoveUser clears every membership a user holds, including the private
// channel. Called when presence evicts the user.
func (m *Manager) RemoveUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for roomID := range m.userRooms[userID] {
		m.leave(userID, roomID)
	}
	delete(m.userRooms, userID)
}

// join and leave require m.mu held.
func (m *Manager) join(userID, roomID string) {
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]bool)
	}
	m.rooms[roomID][userID] = true

	if m.userRooms[userID] == nil {
		m.userRooms[userID] = make(map[string]bool)
	}
	m.userRooms[userID][roomID] = true
}

func (m *Manager) leave(userID, roomID string) {
	if members, exists := m.rooms[roomID]; exists {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	if roomSet, exists := m.userRooms[userID]; exists {
		delete(roomSet, roomID)
		if len(roomSet) == 0 {
			delete(m.userRooms, userID)
		}
	}
}

// IsMember reports whether the user currently belongs to the conversation
// room.
func (m *Manager) IsMember(userID, conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, exists := m.rooms[ConversationRoom(conversationID)]
	return exists && members[userID]
}

// Broadcast delivers an event to every handle of every member of the
// conversation room, optionally skipping one handle (typically the
// emitter). Delivery failures to individual handles are logged and do not
// stop the fan-out.
func (m *Manager) Broadcast(conversationID, event string, data map[string]interface{}, excludeHandleID string) {
	m.broadcastRoom(ConversationRoom(conversationID), event, data, excludeHandleID)
}

// BroadcastToUser delivers an event on a user's private channel, reaching
// every one of their connected handles.
func (m *Manager) BroadcastToUser(userID, event string, data map[string]interface{}) {
	m.broadcastRoom(UserRoom(userID), event, data, "")
}

func (m *Manager) broadcastRoom(roomID, event string, data map[string]interface{}, excludeHandleID string) {
	m.mu.RLock()
	memberIDs := make([]string, 0, len(m.rooms[roomID]))
	for userID := range m.rooms[roomID] {
		memberIDs = append(memberIDs, userID)
	}
	m.mu.RUnlock()

	for _, userID := range memberIDs {
		for _, handle := range m.resolver.Handles(userID) {
			if excludeHandleID != "" && handle.HandleID() == excludeHandleID {
				continue
			}
			if err := handle.WriteEvent(event, data); err != nil {
				log.Printf("Failed to deliver %s to user %s handle %s: %v", event, userID, handle.HandleID(), err)
			}
		}
	}
}

// MembersOf returns the online members of a conversation room.
func (m *Manager) MembersOf(conversationID string) []string {
	m.mu.RLock()
	memberIDs := make([]string, 0, len(m.rooms[ConversationRoom(conversationID)]))
	for userID := range m.rooms[ConversationRoom(conversationID)] {
		memberIDs = append(memberIDs, userID)
	}
	m.mu.RUnlock()

	online := make([]string, 0, len(memberIDs))
	for _, userID := range memberIDs {
		if m.resolver.IsOnline(userID) {
			online = append(online, userID)
		}
	}
	return online
}

// ConversationsOf returns the conversation IDs of every room the user is
// joined to, excluding the private channel.
func (m *Manager) ConversationsOf(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversations := make([]string, 0, len(m.userRooms[userID]))
	for roomID := range m.userRooms[userID] {
		if strings.HasPrefix(roomID, "conversation_") {
			conversations = append(conversations, strings.TrimPrefix(roomID, "conversation_"))
		}
	}
	return conversations
}

// CoParticipants returns the distinct set of users who share at least one
// conversation room with the given user, each listed once. Used to target
// presence-change broadcasts.
func (m *Manager) CoParticipants(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for roomID := range m.userRooms[userID] {
		if !strings.HasPrefix(roomID, "conversation_") {
			continue
		}
		for memberID := range m.rooms[roomID] {
			if memberID != userID {
				seen[memberID] = true
			}
		}
	}

	participants := make([]string, 0, len(seen))
	for memberID := range seen {
		participants = append(participants, memberID)
	}
	return participants
}

// Stats returns the number of active conversation rooms.
func (m *Manager) Stats() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for roomID := range m.rooms {
		if strings.HasPrefix(roomID, "conversation_") {
			count++
		}
	}
	return count
}
