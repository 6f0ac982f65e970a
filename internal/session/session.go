// ABOUTME: Session state machine types and per-session metadata
// ABOUTME: Exported accessors are safe for concurrent use; mutation is coordinator-only

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/2389/session-gateway/internal/engine"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateInitializing State = iota
	StateAwaitingAuth
	StateReady
	StateDisconnected
	StateDestroyed
)

var stateNames = [...]string{
	StateInitializing: "initializing",
	StateAwaitingAuth: "awaiting_auth",
	StateReady:        "ready",
	StateDisconnected: "disconnected",
	StateDestroyed:    "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is one managed connection to one external chat account.
type Session struct {
	ClientID   string
	Epoch      uint64
	SingleShot bool
	CreatedAt  time.Time

	mu            sync.RWMutex
	accountID     string
	state         State
	authEnabled   bool
	handle        engine.Handle
	lastChallenge string
	challengedAt  time.Time
}

// Info is a point-in-time view of a Session.
type Info struct {
	ClientID    string    `json:"clientId"`
	AccountID   string    `json:"accountId"`
	State       State     `json:"state"`
	Epoch       uint64    `json:"epoch"`
	AuthEnabled bool      `json:"authEnabled"`
	SingleShot  bool      `json:"singleShot"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newSession(clientID string, epoch uint64, authEnabled, singleShot bool, now time.Time) *Session {
	return &Session{
		ClientID:    clientID,
		Epoch:       epoch,
		SingleShot:  singleShot,
		CreatedAt:   now,
		state:       StateInitializing,
		authEnabled: authEnabled,
	}
}

// AccountID returns the resolved account identity, empty until ready.
func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AuthEnabled reports whether auth challenges are broadcast.
func (s *Session) AuthEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authEnabled
}

// LastChallenge returns the most recent auth challenge payload and when
// it arrived. ok is false if none was received.
func (s *Session) LastChallenge() (payload string, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastChallenge, s.challengedAt, s.lastChallenge != ""
}

// Snapshot returns an Info for this session.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ClientID:    s.ClientID,
		AccountID:   s.accountID,
		State:       s.state,
		Epoch:       s.Epoch,
		AuthEnabled: s.authEnabled,
		SingleShot:  s.SingleShot,
		CreatedAt:   s.CreatedAt,
	}
}

func (s *Session) handleRef() engine.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) setState(st State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = st
	return prev
}

func (s *Session) setAuthEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authEnabled = v
}

func (s *Session) attach(h engine.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// detach clears and returns the handle so it is released exactly once.
func (s *Session) detach() engine.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	return h
}

func (s *Session) recordChallenge(payload string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChallenge = payload
	s.challengedAt = at
	if s.state != StateDestroyed {
		s.state = StateAwaitingAuth
	}
}
