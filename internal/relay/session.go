package relay

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// SessionIDLength is the fixed length of a RelaySession.SessionID.
const SessionIDLength = 32

// ResumeTokenLength is the fixed length of a RelaySession.ResumeToken.
const ResumeTokenLength = 48

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomAlphanumeric returns a cryptographically random string of n
// alphanumeric characters. Session ids and resume tokens are strictly
// alphanumeric at fixed lengths, so this draws uniformly from
// [A-Za-z0-9] rather than using a base64 encoding.
func randomAlphanumeric(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}

// RelaySession is a resumable device-link session, letting a desktop
// reconnect and present (user_id, device_id, session_id, resume_token)
// instead of being treated as a brand new device.
type RelaySession struct {
	SessionID   string
	ResumeToken string
	UserID      string
	DeviceID    string
	CreatedAt   time.Time
	LastSeen    time.Time
	ExpiresAt   time.Time
}

func (s *RelaySession) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionStore holds relay sessions keyed by session id and supports TTL
// extension on resume, bulk invalidation on logout, and periodic pruning
// of expired entries.
type SessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*RelaySession
}

// NewSessionStore creates a session store with the given session TTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*RelaySession),
	}
}

// Create mints a fresh session for (userID, deviceID) with a newly
// generated session id and resume token.
func (s *SessionStore) Create(userID, deviceID string) (*RelaySession, error) {
	sessionID, err := randomAlphanumeric(SessionIDLength)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	resumeToken, err := randomAlphanumeric(ResumeTokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating resume token: %w", err)
	}

	now := time.Now()
	session := &RelaySession{
		SessionID:   sessionID,
		ResumeToken: resumeToken,
		UserID:      userID,
		DeviceID:    deviceID,
		CreatedAt:   now,
		LastSeen:    now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return session, nil
}

// Resume accepts a reconnect iff userID, deviceID, sessionID, and
// resumeToken all match a live, unexpired session, extending its TTL on
// success.
func (s *SessionStore) Resume(userID, deviceID, sessionID, resumeToken string) (*RelaySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}

	now := time.Now()
	if session.expired(now) {
		delete(s.sessions, sessionID)
		return nil, false
	}

	if session.UserID != userID || session.DeviceID != deviceID || session.ResumeToken != resumeToken {
		return nil, false
	}

	session.LastSeen = now
	session.ExpiresAt = now.Add(s.ttl)
	return session, true
}

// InvalidateUser removes every session belonging to userID, used on logout.
func (s *SessionStore) InvalidateUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Sweep removes every session that has passed its expiry, returning the
// number pruned. Intended to be called on an interval by a background
// goroutine.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	pruned := 0
	for id, session := range s.sessions {
		if session.expired(now) {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

// Count returns the number of live sessions tracked, for tests and metrics.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
