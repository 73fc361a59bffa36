package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStore_CreateAndResume(t *testing.T) {
	store := NewSessionStore(time.Hour)

	session, err := store.Create("user-1", "device-1")
	require.NoError(t, err)
	require.Len(t, session.SessionID, SessionIDLength)
	require.Len(t, session.ResumeToken, ResumeTokenLength)

	resumed, ok := store.Resume("user-1", "device-1", session.SessionID, session.ResumeToken)
	require.True(t, ok)
	require.Equal(t, session.SessionID, resumed.SessionID)
}

func TestSessionStore_ResumeRejectsMismatch(t *testing.T) {
	store := NewSessionStore(time.Hour)
	session, err := store.Create("user-1", "device-1")
	require.NoError(t, err)

	_, ok := store.Resume("user-2", "device-1", session.SessionID, session.ResumeToken)
	require.False(t, ok, "wrong user should not resume")

	_, ok = store.Resume("user-1", "device-1", session.SessionID, "wrong-token-wrong-token-wrong-token-wrong-tok")
	require.False(t, ok, "wrong resume token should not resume")

	_, ok = store.Resume("user-1", "device-1", "nonexistent-session-id-000000000", session.ResumeToken)
	require.False(t, ok, "unknown session id should not resume")
}

func TestSessionStore_ResumeExpired(t *testing.T) {
	store := NewSessionStore(10 * time.Millisecond)
	session, err := store.Create("user-1", "device-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, ok := store.Resume("user-1", "device-1", session.SessionID, session.ResumeToken)
	require.False(t, ok, "expired session should not resume")
}

func TestSessionStore_ResumeExtendsExpiry(t *testing.T) {
	store := NewSessionStore(50 * time.Millisecond)
	session, err := store.Create("user-1", "device-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, ok := store.Resume("user-1", "device-1", session.SessionID, session.ResumeToken)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = store.Resume("user-1", "device-1", session.SessionID, session.ResumeToken)
	require.True(t, ok, "resume should have extended the TTL past the first window")
}

func TestSessionStore_InvalidateUser(t *testing.T) {
	store := NewSessionStore(time.Hour)
	s1, err := store.Create("user-1", "device-1")
	require.NoError(t, err)
	s2, err := store.Create("user-1", "device-2")
	require.NoError(t, err)
	_, err = store.Create("user-2", "device-1")
	require.NoError(t, err)

	removed := store.InvalidateUser("user-1")
	require.Equal(t, 2, removed)

	_, ok := store.Resume("user-1", "device-1", s1.SessionID, s1.ResumeToken)
	require.False(t, ok)
	_, ok = store.Resume("user-1", "device-2", s2.SessionID, s2.ResumeToken)
	require.False(t, ok)
	require.Equal(t, 1, store.Count())
}

func TestSessionStore_Sweep(t *testing.T) {
	store := NewSessionStore(10 * time.Millisecond)
	_, err := store.Create("user-1", "device-1")
	require.NoError(t, err)
	_, err = store.Create("user-1", "device-2")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	pruned := store.Sweep()
	require.Equal(t, 2, pruned)
	require.Equal(t, 0, store.Count())
}
