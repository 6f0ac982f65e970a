// ABOUTME: Mock Store implementation for testing and the memory presence backend
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"errors"
	"sync"
)

// errMockFailure is the driver-level cause returned while failures are injected.
var errMockFailure = errors.New("mock store failure")

// MockStore is an in-memory PresenceStore and CredentialStore.
type MockStore struct {
	mu          sync.RWMutex
	presence    map[string]*PresenceRecord // keyed by account ID
	credentials map[string]*Credentials    // keyed by client ID
	failing     bool
	writes      int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		presence:    make(map[string]*PresenceRecord),
		credentials: make(map[string]*Credentials),
	}
}

// SetFailing makes every subsequent call fail with ErrStoreUnavailable.
func (m *MockStore) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// Writes returns how many mutating calls succeeded.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// UpsertPresence stores a copy of rec.
func (m *MockStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return unavailable("upserting presence", errMockFailure)
	}

	r := *rec
	m.presence[r.AccountID] = &r
	m.writes++
	return nil
}

// GetPresence returns a copy of the stored record.
func (m *MockStore) GetPresence(ctx context.Context, accountID string) (*PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, unavailable("querying presence", errMockFailure)
	}

	rec, ok := m.presence[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListPresence returns copies of every stored record.
func (m *MockStore) ListPresence(ctx context.Context) (map[string]*PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, unavailable("listing presence", errMockFailure)
	}

	out := make(map[string]*PresenceRecord, len(m.presence))
	for id, rec := range m.presence {
		r := *rec
		out[id] = &r
	}
	return out, nil
}

// RemovePresence deletes the record for an account.
func (m *MockStore) RemovePresence(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return unavailable("deleting presence", errMockFailure)
	}

	if _, ok := m.presence[accountID]; ok {
		delete(m.presence, accountID)
		m.writes++
	}
	return nil
}

// SaveCredentials stores a copy of creds.
func (m *MockStore) SaveCredentials(ctx context.Context, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return unavailable("saving credentials", errMockFailure)
	}

	c := *creds
	m.credentials[c.ClientID] = &c
	m.writes++
	return nil
}

// GetCredentials returns a copy of the stored credentials.
func (m *MockStore) GetCredentials(ctx context.Context, clientID string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, unavailable("querying credentials", errMockFailure)
	}

	creds, ok := m.credentials[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *creds
	return &c, nil
}

// DeleteCredentials removes the credentials for a client identifier.
func (m *MockStore) DeleteCredentials(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return unavailable("deleting credentials", errMockFailure)
	}

	delete(m.credentials, clientID)
	return nil
}

// Ping fails while failures are injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return unavailable("pinging", errMockFailure)
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
