package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Rule is the (points, window, block) budget for one event type.
type Rule struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

// BlockedEntry describes one currently blocked (user, event) counter for
// the administrative listing.
type BlockedEntry struct {
	UserID       string    `json:"user_id"`
	Event        string    `json:"event"`
	BlockedUntil time.Time `json:"blocked_until"`
}

type counterKey struct {
	userID string
	event  string
}

// counter is the fixed-window state for one (user, event) pair. The count
// never exceeds the rule's points without the counter transitioning to
// blocked.
type counter struct {
	count         int
	windowResetAt time.Time
	blocked       bool
	blockedUntil  time.Time
}

// Limiter enforces per-user, per-event fixed-window rate limits with
// temporary blocking. Expired blocks are cleared lazily on the next
// attempt and swept periodically to bound memory.
type Limiter struct {
	mu       sync.Mutex
	rules    map[string]Rule
	counters map[counterKey]*counter
	now      func() time.Time // injectable for tests
}

// NewLimiter creates a limiter for the given per-event rules. Events with
// no rule are never limited.
func NewLimiter(rules map[string]Rule) *Limiter {
	copied := make(map[string]Rule, len(rules))
	for event, rule := range rules {
		copied[event] = rule
	}
	return &Limiter{
		rules:    copied,
		counters: make(map[counterKey]*counter),
		now:      time.Now,
	}
}

// Allow records an attempt and reports whether it may proceed. When the
// attempt is denied, retryAfter is the time until the block expires, or
// until the window resets for rules without a block.
func (l *Limiter) Allow(userID, event string) (bool, time.Duration) {
	rule, limited := l.rules[event]
	if !limited {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := counterKey{userID: userID, event: event}

	c, exists := l.counters[key]
	if !exists {
		c = &counter{windowResetAt: now.Add(rule.Window)}
		l.counters[key] = c
	}

	if c.blocked {
		if now.Before(c.blockedUntil) {
			return false, c.blockedUntil.Sub(now)
		}
		// Block expired: fresh window.
		c.blocked = false
		c.count = 0
		c.windowResetAt = now.Add(rule.Window)
	}

	if !now.Before(c.windowResetAt) {
		c.count = 0
		c.windowResetAt = now.Add(rule.Window)
	}

	c.count++
	if c.count > rule.Points {
		if rule.Block > 0 {
			c.blocked = true
			c.blockedUntil = now.Add(rule.Block)
			return false, rule.Block
		}
		return false, c.windowResetAt.Sub(now)
	}

	return true, 0
}

// Reset clears all of a user's counters, or a single event's counter when
// event is non-empty. Administrative operation.
func (l *Limiter) Reset(userID, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event != "" {
		delete(l.counters, counterKey{userID: userID, event: event})
		return
	}
	for key := range l.counters {
		if key.userID == userID {
			delete(l.counters, key)
		}
	}
}

// Blocked lists all currently blocked counters.
func (l *Limiter) Blocked() []BlockedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := make([]BlockedEntry, 0)
	for key, c := range l.counters {
		if c.blocked && now.Before(c.blockedUntil) {
			entries = append(entries, BlockedEntry{
				UserID:       key.userID,
				Event:        key.event,
				BlockedUntil: c.blockedUntil,
			})
		}
	}
	return entries
}

// Sweep evicts idle counters (window expired, not blocked) and clears
// expired blocks. A cleared counter starts fresh on the next attempt.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, c := range l.counters {
		if c.blocked && now.Before(c.blockedUntil) {
			continue
		}
		if !c.blocked && now.Before(c.windowResetAt) {
			continue
		}
		delete(l.counters, key)
	}
}

// StartSweeper runs Sweep at the given interval until the context is
// cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-ctx.Done():
				log.Printf("Rate limit sweeper stopped")
				return
			}
		}
	}()
}

// Size returns the number of live counters, for stats.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
