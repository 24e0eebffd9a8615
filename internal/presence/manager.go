package presence

import (
	"log"
	"sync"
	"time"

	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

// StatusChangeFunc is invoked outside the manager's lock whenever a user
// transitions between online and offline.
type StatusChangeFunc func(userID, status string, lastSeen time.Time)

// EvictFunc is invoked outside the manager's lock when an offline user's
// presence entry is evicted after the grace period.
type EvictFunc func(userID string)

// entry is the presence state for one user across all their handles.
type entry struct {
	handles    map[string]interfaces.Handle // handleID -> handle
	status     string
	lastSeen   time.Time
	evictTimer *time.Timer
}

// Manager tracks which users are connected and through which handles.
// A user is online while at least one handle is connected; going fully
// offline starts a grace timer, and only its expiry evicts the entry.
// External callers never touch the tables directly, which is what keeps
// the presence invariants enforceable in one place.
type Manager struct {
	mu             sync.Mutex
	users          map[string]*entry
	grace          time.Duration
	onStatusChange StatusChangeFunc
	onEvict        EvictFunc
}

// NewManager creates a presence manager with the given eviction grace
// period.
func NewManager(grace time.Duration) *Manager {
	return &Manager{
		users: make(map[string]*entry),
		grace: grace,
	}
}

// OnStatusChange installs the status-transition callback. Must be called
// before the first Register.
func (m *Manager) OnStatusChange(fn StatusChangeFunc) {
	m.onStatusChange = fn
}

// OnEvict installs the eviction callback. Must be called before the first
// Register.
func (m *Manager) OnEvict(fn EvictFunc) {
	m.onEvict = fn
}

// Register adds an authenticated handle for a user. A pending eviction is
// cancelled; the offline -> online transition fires the status callback.
func (m *Manager) Register(conn interfaces.Handle) {
	userID := conn.GetUserID()

	m.mu.Lock()
	e, exists := m.users[userID]
	if !exists {
		e = &entry{
			handles: make(map[string]interfaces.Handle),
			status:  types.StatusOffline,
		}
		m.users[userID] = e
	}

	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}

	e.handles[conn.HandleID()] = conn
	wentOnline := e.status != types.StatusOnline
	e.status = types.StatusOnline
	lastSeen := e.lastSeen
	m.mu.Unlock()

	if wentOnline && m.onStatusChange != nil {
		m.onStatusChange(userID, types.StatusOnline, lastSeen)
	}
}

// Unregister removes a handle. When the user's last handle goes away the
// user transitions to offline, lastSeen is stamped, and the grace timer
// starts; a reconnect before it fires cancels the eviction. Idempotent.
func (m *Manager) Unregister(conn interfaces.Handle) {
	userID := conn.GetUserID()

	m.mu.Lock()
	e, exists := m.users[userID]
	if !exists {
		m.mu.Unlock()
		return
	}

	// Only remove the exact handle; a replacement connection for the same
	// user must not be knocked out by a stale cleanup.
	if _, tracked := e.handles[conn.HandleID()]; !tracked {
		m.mu.Unlock()
		return
	}
	delete(e.handles, conn.HandleID())

	if len(e.handles) > 0 {
		// Another device keeps the user online.
		m.mu.Unlock()
		return
	}

	now := time.Now()
	e.status = types.StatusOffline
	e.lastSeen = now
	timer := time.AfterFunc(m.grace, func() { m.evict(userID) })
	e.evictTimer = timer
	m.mu.Unlock()

	if m.onStatusChange != nil {
		m.onStatusChange(userID, types.StatusOffline, now)
	}
}

// evict removes a presence entry whose grace period expired. Re-checks
// state under the lock: the timer may have lost a race with a reconnect.
func (m *Manager) evict(userID string) {
	m.mu.Lock()
	e, exists := m.users[userID]
	if !exists || e.status != types.StatusOffline || len(e.handles) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.users, userID)
	m.mu.Unlock()

	log.Printf("Presence entry evicted: user=%s", userID)
	if m.onEvict != nil {
		m.onEvict(userID)
	}
}

// GetHandle returns the user's most recently active handle for direct
// delivery, or false when the user is offline.
func (m *Manager) GetHandle(userID string) (interfaces.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.users[userID]
	if !exists || len(e.handles) == 0 {
		return nil, false
	}

	var newest interfaces.Handle
	for _, conn := range e.handles {
		if newest == nil || conn.LastActive().After(newest.LastActive()) {
			newest = conn
		}
	}
	return newest, true
}

// Handles returns all active handles for a user, for fan-out to every
// device.
func (m *Manager) Handles(userID string) []interfaces.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.users[userID]
	if !exists {
		return nil
	}
	handles := make([]interfaces.Handle, 0, len(e.handles))
	for _, conn := range e.handles {
		handles = append(handles, conn)
	}
	return handles
}

// IsOnline reports whether the user has at least one connected handle.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.users[userID]
	return exists && e.status == types.StatusOnline
}

// ListOnline returns the IDs of all currently online users.
func (m *Manager) ListOnline() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	online := make([]string, 0, len(m.users))
	for userID, e := range m.users {
		if e.status == types.StatusOnline {
			online = append(online, userID)
		}
	}
	return online
}

// LastSeen returns the user's last-seen timestamp. For online users the
// zero time is returned together with true.
func (m *Manager) LastSeen(userID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.users[userID]
	if !exists {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Stats returns the online user count and the total handle count.
func (m *Manager) Stats() (users int, connections int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.users {
		if e.status == types.StatusOnline {
			users++
		}
		connections += len(e.handles)
	}
	return users, connections
}
