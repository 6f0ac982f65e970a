// ABOUTME: Session lifecycle audit log entity and SQLite store methods
// ABOUTME: Records which client did what to which account, for debugging takeovers and logouts

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction is one recorded lifecycle step.
type AuditAction string

const (
	AuditInitialize      AuditAction = "initialize"
	AuditChallengeIssued AuditAction = "challenge_issued"
	AuditLogin           AuditAction = "login"
	AuditDisconnect      AuditAction = "disconnect"
	AuditLogout          AuditAction = "logout"
	AuditDelete          AuditAction = "delete"
	AuditMessageSent     AuditAction = "message_sent"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditInitialize,
	AuditChallengeIssued,
	AuditLogin,
	AuditDisconnect,
	AuditLogout,
	AuditDelete,
	AuditMessageSent,
}

// IsValidAuditAction reports whether a is a known action.
func IsValidAuditAction(a AuditAction) bool {
	for _, v := range ValidAuditActions {
		if v == a {
			return true
		}
	}
	return false
}

// AuditEntry is a single audit log entry.
type AuditEntry struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"clientId"`
	AccountID string         `json:"accountId,omitempty"`
	Action    AuditAction    `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog. Nil fields match everything.
type AuditFilter struct {
	Since     *time.Time
	Until     *time.Time
	ClientID  *string
	AccountID *string
	Action    *AuditAction
	Limit     int // default 100, max 1000
}

// AuditLog records lifecycle actions.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// auditTimeLayout is fixed width so timestamps sort lexically.
const auditTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatAuditTime(t time.Time) string {
	return t.UTC().Format(auditTimeLayout)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, client_id, account_id, action, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ClientID,
		e.AccountID,
		string(e.Action),
		formatAuditTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return unavailable("inserting audit entry", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"client_id", e.ClientID,
		"account_id", e.AccountID,
		"action", e.Action,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// auditQueryArgs holds the nullable query arguments of an AuditFilter.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := formatAuditTime(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatAuditTime(*f.Until)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

func scanAuditEntry(row rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := row.Scan(
		&e.ID,
		&e.ClientID,
		&e.AccountID,
		&actionStr,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(auditTimeLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, client_id, account_id, action, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR client_id = ?)
	  AND (? IS NULL OR account_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.ClientID, f.ClientID,
		f.AccountID, f.AccountID,
		args.actionStr, args.actionStr,
		limit,
	)
	if err != nil {
		return nil, unavailable("querying audit log", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating audit entries", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
