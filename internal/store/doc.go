// Package store provides persistent storage for the gateway.
//
// # Interfaces
//
//   - PresenceStore: account presence records (online/offline, last seen)
//   - CredentialStore: engine login credentials keyed by client identifier
//   - AuditLog: append-only session lifecycle trail (initialize, login,
//     disconnect, logout, delete, message_sent)
//
// # Implementations
//
//   - SQLiteStore: all three interfaces. The driver is either "sqlite"
//     (modernc.org/sqlite, pure Go) or "sqlite3" (mattn/go-sqlite3, cgo).
//   - RedisStore: PresenceStore on a single Redis hash, for deployments that
//     share presence with other services.
//   - MockStore: in-memory PresenceStore and CredentialStore, with failure injection for tests.
//
// # Errors
//
// Lookups of missing entities return ErrNotFound. Any backend failure is
// wrapped with ErrStoreUnavailable:
//
//	if errors.Is(err, store.ErrStoreUnavailable) {
//	    logger.Warn("presence write failed", "error", err)
//	}
//
// # SQLite Configuration
//
// The SQLite store runs with WAL mode for concurrent reads. Timestamps are
// stored as RFC 3339 text with nanosecond precision.
package store
