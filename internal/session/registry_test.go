// ABOUTME: Tests for the session Registry
// ABOUTME: Validates registration, lookups, ready-account uniqueness and snapshots

package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(clientID string, epoch uint64) *Session {
	return newSession(clientID, epoch, true, true, time.Now())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)

	s := newTestSession("acct1", 1)
	require.NoError(t, r.Register(s))

	got, ok := r.Lookup("acct1")
	require.True(t, ok)
	assert.Same(t, s, got)

	err := r.Register(newTestSession("acct1", 2))
	assert.ErrorIs(t, err, ErrDuplicateClient)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RegisterReplacesDestroyed(t *testing.T) {
	r := NewRegistry(nil)

	old := newTestSession("acct1", 1)
	require.NoError(t, r.Register(old))
	old.setState(StateDestroyed)

	fresh := newTestSession("acct1", 2)
	require.NoError(t, r.Register(fresh))

	got, _ := r.Lookup("acct1")
	assert.Same(t, fresh, got)
}

func TestRegistry_LookupByAccountOnlyMatchesReady(t *testing.T) {
	r := NewRegistry(nil)
	s := newTestSession("acct1", 1)
	require.NoError(t, r.Register(s))

	_, ok := r.LookupByAccount("15551234")
	assert.False(t, ok)

	r.MarkReady(s, "15551234")
	got, ok := r.LookupByAccount("15551234")
	require.True(t, ok)
	assert.Same(t, s, got)

	s.setState(StateDisconnected)
	_, ok = r.LookupByAccount("15551234")
	assert.False(t, ok)

	_, ok = r.LookupByAccount("")
	assert.False(t, ok)
}

func TestRegistry_MarkReadyDemotesOtherHolder(t *testing.T) {
	r := NewRegistry(nil)
	a := newTestSession("a", 1)
	b := newTestSession("b", 2)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Empty(t, r.MarkReady(a, "15551234"))

	displaced := r.MarkReady(b, "15551234")
	require.Len(t, displaced, 1)
	assert.Same(t, a, displaced[0])
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateReady, b.State())

	got, ok := r.LookupByAccount("15551234")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newTestSession("acct1", 1)))

	r.Remove("acct1")
	r.Remove("acct1")
	r.Remove("never-registered")

	_, ok := r.Lookup("acct1")
	assert.False(t, ok)
}

func TestRegistry_RemoveSessionIgnoresReplacedEntry(t *testing.T) {
	r := NewRegistry(nil)
	old := newTestSession("acct1", 1)
	require.NoError(t, r.Register(old))
	old.setState(StateDestroyed)

	fresh := newTestSession("acct1", 2)
	require.NoError(t, r.Register(fresh))

	assert.False(t, r.RemoveSession(old))
	got, ok := r.Lookup("acct1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.RemoveSession(fresh))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListIsSortedSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	for i, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, r.Register(newTestSession(id, uint64(i+1))))
	}
	b, _ := r.Lookup("bravo")
	r.MarkReady(b, "15551234")

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ClientID)
	assert.Equal(t, "bravo", list[1].ClientID)
	assert.Equal(t, "charlie", list[2].ClientID)
	assert.Equal(t, StateReady, list[1].State)
	assert.Equal(t, "15551234", list[1].AccountID)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newTestSession("shared", uint64(i+1))
			if r.Register(s) == nil {
				r.MarkReady(s, "acct")
			}
			r.LookupByAccount("acct")
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}

func TestState_StringAndJSON(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "awaiting_auth", StateAwaitingAuth.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "state(42)", State(42).String())

	data, err := json.Marshal(Info{ClientID: "acct1", State: StateReady})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"ready"`)
	assert.Contains(t, string(data), `"clientId":"acct1"`)
}

func TestSession_LastChallenge(t *testing.T) {
	s := newTestSession("acct1", 1)

	_, _, ok := s.LastChallenge()
	assert.False(t, ok)

	at := time.Now()
	s.recordChallenge("qr-data", at)

	payload, got, ok := s.LastChallenge()
	assert.True(t, ok)
	assert.Equal(t, "qr-data", payload)
	assert.Equal(t, at, got)
	assert.Equal(t, StateAwaitingAuth, s.State())
}
