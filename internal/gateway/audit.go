// ABOUTME: Session lifecycle audit trail kept in the SQLite database
// ABOUTME: Written by API handlers and the event watcher, served by GET /audit

package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/session-gateway/internal/events"
	"github.com/2389/session-gateway/internal/store"
)

// auditTimeout bounds a single audit write.
const auditTimeout = 2 * time.Second

// recordAudit appends e to the audit log. Failures are logged and dropped.
func (g *Gateway) recordAudit(e store.AuditEntry) {
	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := g.audit.AppendAuditLog(ctx, &e); err != nil {
		g.logger.Warn("failed to append audit log",
			"client_id", e.ClientID,
			"action", e.Action,
			"error", err,
		)
	}
}

// auditFromEvent maps a lifecycle event to an audit entry. Inbound messages
// are not audited.
func auditFromEvent(ev events.Event) (store.AuditEntry, bool) {
	e := store.AuditEntry{ClientID: ev.ClientID, Timestamp: ev.Timestamp}
	switch p := ev.Data.(type) {
	case events.QRPayload:
		e.Action = store.AuditChallengeIssued
	case events.LoginPayload:
		e.Action = store.AuditLogin
		e.AccountID = p.AccountID
	case events.DisconnectPayload:
		e.Action = store.AuditDisconnect
		e.AccountID = p.AccountID
	default:
		return e, false
	}
	return e, true
}

// handleListAudit returns audit entries, newest first.
// Query parameters: clientId, accountId, action, since, until (RFC 3339), limit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		g.sendJSONError(w, http.StatusNotFound, "audit log requires database.path")
		return
	}

	f, err := parseAuditFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.audit.ListAuditLog(r.Context(), f)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to retrieve audit log")
		return
	}
	g.sendJSON(w, http.StatusOK, entries)
}

type auditFilterError string

func (e auditFilterError) Error() string { return string(e) }

func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter

	if v := q.Get("clientId"); v != "" {
		f.ClientID = &v
	}
	if v := q.Get("accountId"); v != "" {
		f.AccountID = &v
	}
	if v := q.Get("action"); v != "" {
		a := store.AuditAction(v)
		if !store.IsValidAuditAction(a) {
			return f, auditFilterError("unknown action " + strconv.Quote(v))
		}
		f.Action = &a
	}
	for _, tf := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(tf.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, auditFilterError(tf.name + " must be an RFC 3339 timestamp")
		}
		*tf.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, auditFilterError("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}
