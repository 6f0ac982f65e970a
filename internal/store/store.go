// ABOUTME: Store interfaces and data types for session-gateway persistence
// ABOUTME: Defines presence records, engine credentials and the store contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable wraps every failure of the backing database. Callers
// treat it as advisory: presence is telemetry, not the source of truth.
var ErrStoreUnavailable = errors.New("store unavailable")

// PresenceStatus is the advertised liveness of an account.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is the durable online/offline snapshot for one account
type PresenceRecord struct {
	AccountID string         `json:"accountId"`
	LastSeen  time.Time      `json:"lastSeen"`
	Status    PresenceStatus `json:"status"`
}

// Credentials are the engine-side login secrets for one client identifier,
// kept so a restarted session can resume without a new auth challenge.
type Credentials struct {
	ClientID    string
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string
	UpdatedAt   time.Time
}

// PresenceStore persists account presence records
type PresenceStore interface {
	// UpsertPresence creates or overwrites the record for rec.AccountID.
	UpsertPresence(ctx context.Context, rec *PresenceRecord) error
	// GetPresence returns ErrNotFound when the account has no record.
	GetPresence(ctx context.Context, accountID string) (*PresenceRecord, error)
	ListPresence(ctx context.Context) (map[string]*PresenceRecord, error)
	// RemovePresence is a no-op for unknown accounts.
	RemovePresence(ctx context.Context, accountID string) error

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// CredentialStore persists engine login credentials keyed by client identifier
type CredentialStore interface {
	SaveCredentials(ctx context.Context, creds *Credentials) error
	GetCredentials(ctx context.Context, clientID string) (*Credentials, error)
	DeleteCredentials(ctx context.Context, clientID string) error
}

// unavailable wraps a backend failure so callers can match ErrStoreUnavailable
// while keeping the driver error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
