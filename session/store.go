package session

import (
	"sync"
	"time"
)

// Store abstracts session lookup so handlers do not depend on where sessions live.
type Store interface {
	// Get retrieves a session by token. Returns false if the session does
	// not exist, has expired, or has exceeded the idle timeout.
	Get(token string) (*Session, bool)
	// Put creates or replaces the session for the given token.
	Put(token string, s *Session)
	// Delete removes a session and clears its key cache.
	Delete(token string)
}

// MemoryStore is a thread-safe in-memory Store. Sessions, and with them any
// unlocked keys, are lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	data        map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemoryStore(idleTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		data:        make(map[string]*Session),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[token]
	if !ok {
		return nil, false
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		s.deleteLocked(token)
		return nil, false
	}
	if s.idleTimeout > 0 && now.Sub(sess.LastAccessedAt) > s.idleTimeout {
		s.deleteLocked(token)
		return nil, false
	}
	sess.LastAccessedAt = now
	return sess, true
}

func (s *MemoryStore) Put(token string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[token]; ok && old != sess {
		old.End()
	}
	s.data[token] = sess
}

func (s *MemoryStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(token)
}

func (s *MemoryStore) deleteLocked(token string) {
	if sess, ok := s.data[token]; ok {
		sess.End()
		delete(s.data, token)
	}
}

// Len returns the number of sessions currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
