package session

import (
	"sync"
	"time"
)

// Session is the explicit context object handed to anything that needs the
// household key. It replaces any notion of a process-wide key.
type Session struct {
	ID             string
	UserID         string
	Keys           *KeyCache
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time

	mu          sync.RWMutex
	householdID string
}

// New creates a locked session. householdID may be empty for a session that
// is waiting to be bound by a transfer redemption.
func New(id, userID, householdID string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:             id,
		UserID:         userID,
		Keys:           NewKeyCache(),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		householdID:    householdID,
	}
}

// HouseholdID returns the household the session is bound to, or "".
func (s *Session) HouseholdID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.householdID
}

// Bind ties an unbound session to householdID. It reports false, leaving the
// session unchanged, when the session is already bound.
func (s *Session) Bind(householdID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.householdID != "" {
		return false
	}
	s.householdID = householdID
	return true
}

// End clears the key material held by the session.
func (s *Session) End() {
	s.Keys.Clear()
}
