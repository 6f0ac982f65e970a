// ABOUTME: HTTP API handlers for session lifecycle, presence queries and outbound messages
// ABOUTME: Maps session and store errors to status codes with a {"error": msg} envelope

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// InitializeRequest is the body of POST /initializeClient.
type InitializeRequest struct {
	ClientID string `json:"clientId"`
}

// SendMessageRequest is the body of POST /sendMessage.
type SendMessageRequest struct {
	Sender  string `json:"sender"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// ResultResponse is the success envelope of the mutating endpoints.
type ResultResponse struct {
	Result string `json:"result"`
}

// ChallengeResponse is returned by GET /qr/{clientId}.
type ChallengeResponse struct {
	ClientID string    `json:"clientId"`
	State    string    `json:"state"`
	QR       string    `json:"qr"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Handler returns the HTTP handler serving the API, the real-time channels
// and the health endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /initializeClient", g.handleInitializeClient)
	mux.HandleFunc("GET /clients", g.handleListClients)
	mux.HandleFunc("GET /userInfo/{accountId}", g.handleUserInfo)
	mux.HandleFunc("POST /sendMessage", g.handleSendMessage)
	mux.HandleFunc("POST /logout/{clientId}", g.handleLogout)
	mux.HandleFunc("DELETE /deleteClient/{clientId}", g.handleDeleteClient)

	mux.HandleFunc("GET /sessions", g.handleListSessions)
	mux.HandleFunc("GET /qr/{clientId}", g.handleGetChallenge)
	mux.HandleFunc("GET /sso/callback", g.handleSSOCallback)
	mux.HandleFunc("GET /audit", g.handleListAudit)

	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /events", g.handleEvents)

	return mux
}

// handleInitializeClient starts (or restarts) the session for a client.
func (g *Gateway) handleInitializeClient(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.coordinator.Initialize(r.Context(), req.ClientID); err != nil {
		g.sendSessionError(w, err, "failed to initialize client", "client_id", req.ClientID)
		return
	}

	g.recordAudit(store.AuditEntry{ClientID: req.ClientID, Action: store.AuditInitialize})
	g.sendJSON(w, http.StatusOK, ResultResponse{Result: fmt.Sprintf("Client %s initialized", req.ClientID)})
}

// handleListClients returns every presence record keyed by account.
func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	records, err := g.presence.ListPresence(r.Context())
	if err != nil {
		g.logger.Error("failed to list presence", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to retrieve clients")
		return
	}
	g.sendJSON(w, http.StatusOK, records)
}

// handleUserInfo returns one presence record, or {} when the account has none.
func (g *Gateway) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")

	rec, err := g.presence.GetPresence(r.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err != nil {
		g.logger.Error("failed to get presence", "account_id", accountID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to retrieve user info")
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}

// handleSendMessage delivers a text message through the sender's ready session.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := g.router.Send(r.Context(), req.Sender, req.To, req.Message)
	switch {
	case err == nil:
		entry := store.AuditEntry{
			AccountID: req.Sender,
			Action:    store.AuditMessageSent,
			Detail:    map[string]any{"to": req.To},
		}
		if s, ok := g.coordinator.Registry().LookupByAccount(req.Sender); ok {
			entry.ClientID = s.ClientID
		}
		g.recordAudit(entry)
		g.sendJSON(w, http.StatusOK, ResultResponse{Result: "Message sent successfully."})
	case errors.Is(err, session.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, "Sender, recipient, and message are required.")
	case errors.Is(err, session.ErrClientNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Client not found.")
	default:
		g.logger.Error("failed to send message", "sender", req.Sender, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to send message.")
	}
}

// handleLogout marks a session disconnected without tearing it down.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	accountID := g.accountOf(clientID)

	if err := g.coordinator.Logout(r.Context(), clientID); err != nil {
		g.sendSessionError(w, err, "failed to log out client", "client_id", clientID)
		return
	}
	g.recordAudit(store.AuditEntry{ClientID: clientID, AccountID: accountID, Action: store.AuditLogout})
	g.sendJSON(w, http.StatusOK, ResultResponse{Result: fmt.Sprintf("Client %s logged out", clientID)})
}

// handleDeleteClient releases a session and forgets it.
func (g *Gateway) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	accountID := g.accountOf(clientID)

	if err := g.coordinator.DeleteSession(r.Context(), clientID); err != nil {
		g.sendSessionError(w, err, "failed to delete client", "client_id", clientID)
		return
	}
	g.recordAudit(store.AuditEntry{ClientID: clientID, AccountID: accountID, Action: store.AuditDelete})
	g.sendJSON(w, http.StatusOK, ResultResponse{Result: fmt.Sprintf("Client %s deleted", clientID)})
}

// accountOf returns the account a client's session is bound to, if any.
func (g *Gateway) accountOf(clientID string) string {
	if s, ok := g.coordinator.Registry().Lookup(clientID); ok {
		return s.AccountID()
	}
	return ""
}

// handleListSessions returns a snapshot of the registry.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.coordinator.Registry().List())
}

// handleGetChallenge returns the last auth challenge issued to a session.
func (g *Gateway) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")

	s, ok := g.coordinator.Registry().Lookup(clientID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "client not found")
		return
	}
	// Sessions with auth events disabled never expose their challenges.
	payload, at, ok := s.LastChallenge()
	if !ok || !s.AuthEnabled() {
		g.sendJSONError(w, http.StatusNotFound, "no auth challenge issued")
		return
	}

	g.sendJSON(w, http.StatusOK, ChallengeResponse{
		ClientID: clientID,
		State:    s.State().String(),
		QR:       payload,
		IssuedAt: at,
	})
}

// handleSSOCallback completes an engine login challenge. The identity
// provider redirects the account owner here.
func (g *Gateway) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("clientId")
	nonce := q.Get("nonce")
	token := q.Get("loginToken")
	if clientID == "" || token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId and loginToken are required")
		return
	}

	completer, ok := g.engine.(engine.LoginCompleter)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "engine does not accept login callbacks")
		return
	}

	err := completer.CompleteLogin(r.Context(), clientID, nonce, token)
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, ResultResponse{Result: fmt.Sprintf("Login completed for %s", clientID)})
	case errors.Is(err, engine.ErrUnknownLogin):
		g.sendJSONError(w, http.StatusBadRequest, "unknown or expired login")
	default:
		g.logger.Error("login completion failed", "client_id", clientID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "login failed")
	}
}

// sendSessionError maps a coordinator error to a status code.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, session.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClientNotFound):
		g.sendJSONError(w, http.StatusNotFound, "client not found")
	case errors.Is(err, session.ErrCoordinatorClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down")
	default:
		g.logger.Error(msg, append(attrs, "error", err)...)
		g.sendJSONError(w, http.StatusInternalServerError, msg)
	}
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
