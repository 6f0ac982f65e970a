// ABOUTME: SQLite implementation of PresenceStore, CredentialStore and AuditLog
// ABOUTME: Provides presence and credential persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go modernc driver.
const DefaultDriver = "sqlite"

// SQLiteStore implements PresenceStore, CredentialStore and AuditLog using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// default driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DefaultDriver, path)
}

// NewSQLiteStoreWithDriver creates a new SQLite store at the given path.
// driver is "sqlite" (modernc) or "sqlite3" (mattn).
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS presence (
			account_id TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_presence_status ON presence(status);

		CREATE TABLE IF NOT EXISTS engine_credentials (
			client_id    TEXT PRIMARY KEY,
			homeserver   TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			access_token TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			account_id  TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_client ON audit_log(client_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging database", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertPresence creates or replaces the presence record for an account.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) error {
	query := `
		INSERT INTO presence (account_id, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.AccountID,
		string(rec.Status),
		rec.LastSeen.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("upserting presence", err)
	}

	s.logger.Debug("upserted presence", "account_id", rec.AccountID, "status", rec.Status)
	return nil
}

// GetPresence retrieves the presence record for an account.
// Returns ErrNotFound if the account has no record.
func (s *SQLiteStore) GetPresence(ctx context.Context, accountID string) (*PresenceRecord, error) {
	query := `
		SELECT account_id, status, last_seen
		FROM presence
		WHERE account_id = ?
	`

	rec, err := scanPresence(s.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying presence", err)
	}
	return rec, nil
}

// ListPresence returns every presence record keyed by account.
func (s *SQLiteStore) ListPresence(ctx context.Context) (map[string]*PresenceRecord, error) {
	query := `
		SELECT account_id, status, last_seen
		FROM presence
		ORDER BY account_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable("listing presence", err)
	}
	defer rows.Close()

	records := make(map[string]*PresenceRecord)
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, unavailable("scanning presence", err)
		}
		records[rec.AccountID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating presence", err)
	}
	return records, nil
}

// RemovePresence deletes the presence record for an account.
func (s *SQLiteStore) RemovePresence(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE account_id = ?`, accountID); err != nil {
		return unavailable("deleting presence", err)
	}
	s.logger.Debug("removed presence", "account_id", accountID)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(row rowScanner) (*PresenceRecord, error) {
	var rec PresenceRecord
	var status, lastSeen string
	if err := row.Scan(&rec.AccountID, &status, &lastSeen); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	rec.LastSeen = t
	rec.Status = PresenceStatus(status)
	return &rec, nil
}

// SaveCredentials creates or replaces the credentials for a client identifier.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds *Credentials) error {
	query := `
		INSERT INTO engine_credentials (client_id, homeserver, user_id, device_id, access_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			homeserver = excluded.homeserver,
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at
	`

	updatedAt := creds.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		creds.ClientID,
		creds.Homeserver,
		creds.UserID,
		creds.DeviceID,
		creds.AccessToken,
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("saving credentials", err)
	}
	return nil
}

// GetCredentials retrieves the credentials for a client identifier.
// Returns ErrNotFound if none were saved.
func (s *SQLiteStore) GetCredentials(ctx context.Context, clientID string) (*Credentials, error) {
	query := `
		SELECT client_id, homeserver, user_id, device_id, access_token, updated_at
		FROM engine_credentials
		WHERE client_id = ?
	`

	var creds Credentials
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&creds.ClientID,
		&creds.Homeserver,
		&creds.UserID,
		&creds.DeviceID,
		&creds.AccessToken,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying credentials", err)
	}

	creds.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &creds, nil
}

// DeleteCredentials removes the credentials for a client identifier.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engine_credentials WHERE client_id = ?`, clientID); err != nil {
		return unavailable("deleting credentials", err)
	}
	return nil
}
