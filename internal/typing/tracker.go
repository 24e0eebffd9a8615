package typing

import (
	"sync"
	"time"

	"lexrelay/pkg/types"
)

// Broadcaster is the slice of the room manager the tracker uses to emit
// automatic stop events. Satisfied by rooms.Manager.
type Broadcaster interface {
	Broadcast(conversationID, event string, data map[string]interface{}, excludeHandleID string)
}

// entry is one active typer. gen ties the armed timer to the state it
// guards: a renewal installs a new generation, so a previously fired
// callback that was blocked on the lock finds a stale generation and
// leaves the fresh state alone.
type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker maintains per-conversation typing state. Each (conversation,
// user) pair that is typing holds a renewable timer; when the timer fires
// without renewal the tracker emits typing_stop on the user's behalf so
// stale indicators cannot persist past the auto-stop window.
type Tracker struct {
	mu          sync.Mutex
	typing      map[string]map[string]*entry // conversationID -> userID
	gen         uint64
	autoStop    time.Duration
	broadcaster Broadcaster
}

// NewTracker creates a typing tracker with the given auto-stop window.
func NewTracker(autoStop time.Duration, broadcaster Broadcaster) *Tracker {
	return &Tracker{
		typing:      make(map[string]map[string]*entry),
		autoStop:    autoStop,
		broadcaster: broadcaster,
	}
}

// Start marks the user as typing in the conversation and arms the
// auto-stop timer. Repeated starts renew the timer. Returns true when the
// user was not already typing, so the caller broadcasts typing_start only
// on the first of a burst.
func (t *Tracker) Start(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, active := t.typing[conversationID][userID]
	if active {
		existing.timer.Stop()
	}
	if t.typing[conversationID] == nil {
		t.typing[conversationID] = make(map[string]*entry)
	}
	t.gen++
	gen := t.gen
	t.typing[conversationID][userID] = &entry{
		gen: gen,
		timer: time.AfterFunc(t.autoStop, func() {
			t.autoStopFired(conversationID, userID, gen)
		}),
	}
	return !active
}

// Stop clears the user's typing state in the conversation. Returns true
// when the user was typing, so the caller broadcasts typing_stop only for
// transitions.
func (t *Tracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clear(conversationID, userID)
}

// SweepUser clears the user's typing state everywhere and broadcasts
// typing_stop to each affected conversation. Called on disconnect so the
// user never appears to keep typing after their connection drops.
func (t *Tracker) SweepUser(userID string) {
	t.mu.Lock()
	var stopped []string
	for conversationID, users := range t.typing {
		if _, active := users[userID]; active {
			stopped = append(stopped, conversationID)
		}
	}
	for _, conversationID := range stopped {
		t.clear(conversationID, userID)
	}
	t.mu.Unlock()

	for _, conversationID := range stopped {
		t.broadcaster.Broadcast(conversationID, types.EventTypingStop, map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         userID,
		}, "")
	}
}

// TypersIn returns the users currently typing in the conversation.
func (t *Tracker) TypersIn(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	typers := make([]string, 0, len(t.typing[conversationID]))
	for userID := range t.typing[conversationID] {
		typers = append(typers, userID)
	}
	return typers
}

// Stats returns the number of conversations with at least one active
// typer.
func (t *Tracker) Stats() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}

// autoStopFired runs on the timer goroutine. The state is re-checked
// under the lock because an explicit stop, a disconnect sweep, or a
// renewal may have raced the timer; a generation mismatch means the
// state this callback armed for no longer exists.
func (t *Tracker) autoStopFired(conversationID, userID string, gen uint64) {
	t.mu.Lock()
	current, active := t.typing[conversationID][userID]
	if !active || current.gen != gen {
		t.mu.Unlock()
		return
	}
	t.clear(conversationID, userID)
	t.mu.Unlock()

	t.broadcaster.Broadcast(conversationID, types.EventTypingStop, map[string]interface{}{
		"conversation_id": conversationID,
		"user_id":         userID,
	}, "")
}

// clear requires t.mu held. Returns true when typing state was removed.
func (t *Tracker) clear(conversationID, userID string) bool {
	users, exists := t.typing[conversationID]
	if !exists {
		return false
	}
	current, active := users[userID]
	if !active {
		return false
	}
	current.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	return true
}
