// ABOUTME: In-memory authoritative set of live sessions keyed by client identifier
// ABOUTME: Enforces one live session per client and one ready session per account

package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry owns every live Session.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Register adds a session. Returns ErrDuplicateClient if a non-destroyed
// session already exists for the same client identifier.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.ClientID]; ok && existing.State() != StateDestroyed {
		return ErrDuplicateClient
	}

	r.sessions[s.ClientID] = s
	r.logger.Debug("session registered",
		"client_id", s.ClientID,
		"epoch", s.Epoch,
		"total_sessions", len(r.sessions),
	)
	return nil
}

// Lookup returns the session for a client identifier.
func (r *Registry) Lookup(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// LookupByAccount returns the ready session bound to accountID.
func (r *Registry) LookupByAccount(accountID string) (*Session, bool) {
	if accountID == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.State() == StateReady && s.AccountID() == accountID {
			return s, true
		}
	}
	return nil, false
}

// Remove deletes the entry for a client identifier. No-op if absent.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[clientID]; ok {
		delete(r.sessions, clientID)
		r.logger.Debug("session removed",
			"client_id", clientID,
			"total_sessions", len(r.sessions),
		)
	}
}

// RemoveSession deletes the entry only if it still refers to s, so a
// retired session cannot evict its replacement.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ClientID] != s {
		return false
	}
	delete(r.sessions, s.ClientID)
	r.logger.Debug("session removed",
		"client_id", s.ClientID,
		"epoch", s.Epoch,
		"total_sessions", len(r.sessions),
	)
	return true
}

// MarkReady binds s to accountID and moves it to Ready. Any other ready
// session holding the same account is demoted to Disconnected and returned
// so the caller can retire it.
func (r *Registry) MarkReady(s *Session, accountID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced []*Session
	for _, other := range r.sessions {
		if other == s {
			continue
		}
		if other.State() == StateReady && other.AccountID() == accountID {
			other.setState(StateDisconnected)
			displaced = append(displaced, other)
		}
	}

	s.mu.Lock()
	s.accountID = accountID
	s.state = StateReady
	s.mu.Unlock()

	return displaced
}

// List returns a snapshot of every session sorted by client identifier.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
