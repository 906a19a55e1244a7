package auth

import (
	"sync"
	"time"
)

const sessionTTL = 12 * time.Hour

// SessionSet holds short-lived webchat session tokens. Sessions are
// in-memory only and vanish on restart; clients re-authenticate.
type SessionSet struct {
	mu       sync.Mutex
	sessions map[string]time.Time // token -> expiry
	now      func() time.Time
}

func NewSessionSet() *SessionSet {
	return &SessionSet{
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Issue mints a new session token.
func (s *SessionSet) Issue() (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = s.now().Add(sessionTTL)
	return token, nil
}

// Valid reports whether the token is a live session, pruning it if it has
// lapsed.
func (s *SessionSet) Valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.sessions[token]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Revoke drops a session token.
func (s *SessionSet) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Len returns the number of live sessions.
func (s *SessionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for token, exp := range s.sessions {
		if now.After(exp) {
			delete(s.sessions, token)
			continue
		}
		n++
	}
	return n
}
