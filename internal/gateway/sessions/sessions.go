// Package sessions tracks the broker sessions that ephemeral tokens were issued for.
package sessions

import (
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// Session is one issued token lineage. Refreshing a token keeps its session.
type Session struct {
	ID        string
	Mode      protocol.Mode
	Identity  string
	CreatedAt time.Time
	ExpiresAt time.Time
	LastSeen  time.Time
	Requests  int64
	Refreshes int
}

type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{sessions: make(map[string]*Session), now: now}
}

// Track records an issuance for id, creating the session or extending it.
func (t *Tracker) Track(id string, mode protocol.Mode, identity string, expiresAt time.Time) Session {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		s = &Session{ID: id, Identity: identity, CreatedAt: now}
		t.sessions[id] = s
	} else {
		s.Refreshes++
	}
	s.Mode = mode
	s.ExpiresAt = expiresAt
	s.LastSeen = now
	return *s
}

// Touch notes a proxied request on id. It reports false for unknown or expired sessions.
func (t *Tracker) Touch(id string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || !now.Before(s.ExpiresAt) {
		return false
	}
	s.LastSeen = now
	s.Requests++
	return true
}

func (t *Tracker) Get(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Active counts sessions that have not expired.
func (t *Tracker) Active() int {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.sessions {
		if now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Sweep drops sessions that expired more than grace ago.
func (t *Tracker) Sweep(grace time.Duration) int {
	cutoff := t.now().Add(-grace)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
