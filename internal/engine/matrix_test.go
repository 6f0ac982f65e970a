// ABOUTME: Tests for the Matrix engine against an in-process fake homeserver
// ABOUTME: Covers the SSO challenge, token login, credential resume and message sending

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/store"
)

// fakeHomeserver answers the handful of client-server API calls the
// engine makes.
type fakeHomeserver struct {
	*httptest.Server

	mu        sync.Mutex
	sent      []map[string]any
	sentRooms []string
	revoked   bool
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *fakeHomeserver) setRevoked(v bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.revoked = v
}

func (hs *fakeHomeserver) messages() ([]string, []map[string]any) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]string(nil), hs.sentRooms...), append([]map[string]any(nil), hs.sent...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (hs *fakeHomeserver) serve(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	revoked := hs.revoked
	hs.mu.Unlock()

	path := r.URL.Path
	if revoked && path != "/_matrix/client/v3/login" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"errcode": "M_UNKNOWN_TOKEN",
			"error":   "Invalid access token passed.",
		})
		return
	}

	switch {
	case path == "/_matrix/client/versions":
		writeJSON(w, http.StatusOK, map[string]any{"versions": []string{"v1.11"}})
	case path == "/_matrix/client/v3/login" && r.Method == http.MethodPost:
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["token"] != "good-token" {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "bad token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"user_id":      "@alice:example.org",
			"access_token": "syt_alice",
			"device_id":    "DEV1",
		})
	case path == "/_matrix/client/v3/account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "@alice:example.org", "device_id": "DEV1"})
	case strings.HasSuffix(path, "/filter"):
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})
	case path == "/_matrix/client/v3/sync":
		// Long-poll until the client goes away
		<-r.Context().Done()
	case strings.Contains(path, "/directory/room/"):
		writeJSON(w, http.StatusOK, map[string]any{"room_id": "!resolved:example.org", "servers": []string{"example.org"}})
	case strings.Contains(path, "/send/m.room.message/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		room := strings.TrimPrefix(path, "/_matrix/client/v3/rooms/")
		room = room[:strings.Index(room, "/")]
		hs.mu.Lock()
		hs.sent = append(hs.sent, body)
		hs.sentRooms = append(hs.sentRooms, room)
		hs.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$ev1"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "unrecognized"})
	}
}

type matrixProbe struct {
	challenge    chan string
	ready        chan string
	disconnected chan string
}

func newMatrixProbe() *matrixProbe {
	return &matrixProbe{
		challenge:    make(chan string, 4),
		ready:        make(chan string, 4),
		disconnected: make(chan string, 4),
	}
}

func (p *matrixProbe) callbacks() Callbacks {
	return Callbacks{
		OnAuthChallenge: func(s string) { p.challenge <- s },
		OnReady:         func(s string) { p.ready <- s },
		OnDisconnected:  func(s string) { p.disconnected <- s },
	}
}

func waitFor(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func newTestMatrix(t *testing.T, hs *fakeHomeserver, creds *store.MockStore, markdown bool) *Matrix {
	t.Helper()
	return NewMatrix(MatrixConfig{
		Homeserver:  hs.URL,
		CallbackURL: "https://gateway.example.com/",
		Markdown:    markdown,
	}, creds, nil)
}

// nonceFrom extracts the nonce from an SSO challenge URL.
func nonceFrom(t *testing.T, challenge string) string {
	t.Helper()
	u, err := url.Parse(challenge)
	require.NoError(t, err)
	redirect, err := url.Parse(u.Query().Get("redirectUrl"))
	require.NoError(t, err)
	return redirect.Query().Get("nonce")
}

func TestMatrix_ConnectIssuesSSOChallenge(t *testing.T) {
	hs := newFakeHomeserver(t)
	m := newTestMatrix(t, hs, store.NewMockStore(), false)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)
	defer h.Release(context.Background())

	challenge := waitFor(t, probe.challenge, "challenge")
	u, err := url.Parse(challenge)
	require.NoError(t, err)
	assert.Equal(t, "/_matrix/client/v3/login/sso/redirect", u.Path)

	redirect, err := url.Parse(u.Query().Get("redirectUrl"))
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.com", redirect.Host)
	assert.Equal(t, "/sso/callback", redirect.Path)
	assert.Equal(t, "acct1", redirect.Query().Get("clientId"))
	assert.NotEmpty(t, redirect.Query().Get("nonce"))
}

func TestMatrix_CompleteLoginSavesCredentials(t *testing.T) {
	hs := newFakeHomeserver(t)
	creds := store.NewMockStore()
	m := newTestMatrix(t, hs, creds, false)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)
	defer h.Release(context.Background())

	nonce := nonceFrom(t, waitFor(t, probe.challenge, "challenge"))

	err = m.CompleteLogin(context.Background(), "acct1", "wrong-nonce", "good-token")
	assert.ErrorIs(t, err, ErrUnknownLogin)

	err = m.CompleteLogin(context.Background(), "acct1", nonce, "bad-token")
	require.Error(t, err)

	// A failed exchange leaves the challenge usable
	require.NoError(t, m.CompleteLogin(context.Background(), "acct1", nonce, "good-token"))
	assert.Equal(t, "@alice:example.org", waitFor(t, probe.ready, "ready"))

	saved, err := creds.GetCredentials(context.Background(), "acct1")
	require.NoError(t, err)
	assert.Equal(t, "syt_alice", saved.AccessToken)
	assert.Equal(t, "DEV1", saved.DeviceID)
	assert.Equal(t, hs.URL, saved.Homeserver)

	// The nonce is single use
	assert.ErrorIs(t, m.CompleteLogin(context.Background(), "acct1", nonce, "good-token"), ErrUnknownLogin)
}

func TestMatrix_ResumeStoredCredentials(t *testing.T) {
	hs := newFakeHomeserver(t)
	creds := store.NewMockStore()
	require.NoError(t, creds.SaveCredentials(context.Background(), &store.Credentials{
		ClientID:    "acct1",
		Homeserver:  hs.URL,
		UserID:      "@alice:example.org",
		DeviceID:    "DEV1",
		AccessToken: "syt_alice",
	}))
	m := newTestMatrix(t, hs, creds, false)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)

	assert.Equal(t, "@alice:example.org", waitFor(t, probe.ready, "ready"))
	assert.Empty(t, probe.challenge)

	require.NoError(t, h.Release(context.Background()))
	select {
	case reason := <-probe.disconnected:
		t.Fatalf("unexpected disconnect after release: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMatrix_RevokedCredentialsAreDropped(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.setRevoked(true)
	creds := store.NewMockStore()
	require.NoError(t, creds.SaveCredentials(context.Background(), &store.Credentials{
		ClientID:    "acct1",
		Homeserver:  hs.URL,
		UserID:      "@alice:example.org",
		AccessToken: "syt_revoked",
	}))
	m := newTestMatrix(t, hs, creds, false)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)
	defer h.Release(context.Background())

	waitFor(t, probe.disconnected, "disconnected")
	_, err = creds.GetCredentials(context.Background(), "acct1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMatrix_CredentialsForOtherHomeserverIgnored(t *testing.T) {
	hs := newFakeHomeserver(t)
	creds := store.NewMockStore()
	require.NoError(t, creds.SaveCredentials(context.Background(), &store.Credentials{
		ClientID:    "acct1",
		Homeserver:  "https://elsewhere.example.org",
		UserID:      "@alice:elsewhere.example.org",
		AccessToken: "syt_other",
	}))
	m := newTestMatrix(t, hs, creds, false)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)
	defer h.Release(context.Background())

	waitFor(t, probe.challenge, "challenge")
}

func TestMatrix_ConnectFailsWhenCredentialStoreDown(t *testing.T) {
	hs := newFakeHomeserver(t)
	creds := store.NewMockStore()
	creds.SetFailing(true)
	m := newTestMatrix(t, hs, creds, false)

	_, err := m.Connect(context.Background(), "acct1", Callbacks{})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func loggedInSession(t *testing.T, hs *fakeHomeserver, markdown bool) (Handle, *matrixProbe) {
	t.Helper()
	creds := store.NewMockStore()
	require.NoError(t, creds.SaveCredentials(context.Background(), &store.Credentials{
		ClientID:    "acct1",
		Homeserver:  hs.URL,
		UserID:      "@alice:example.org",
		DeviceID:    "DEV1",
		AccessToken: "syt_alice",
	}))
	m := newTestMatrix(t, hs, creds, markdown)
	probe := newMatrixProbe()

	h, err := m.Connect(context.Background(), "acct1", probe.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { h.Release(context.Background()) })
	waitFor(t, probe.ready, "ready")
	return h, probe
}

func TestMatrix_TransmitToRoom(t *testing.T) {
	hs := newFakeHomeserver(t)
	h, _ := loggedInSession(t, hs, false)

	require.NoError(t, h.Transmit(context.Background(), "!room:example.org", "hi"))

	rooms, sent := hs.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "!room:example.org", rooms[0])
	assert.Equal(t, "m.text", sent[0]["msgtype"])
	assert.Equal(t, "hi", sent[0]["body"])
	assert.NotContains(t, sent[0], "formatted_body")
}

func TestMatrix_TransmitToAliasWithMarkdown(t *testing.T) {
	hs := newFakeHomeserver(t)
	h, _ := loggedInSession(t, hs, true)

	require.NoError(t, h.Transmit(context.Background(), "#general:example.org", "**hello**"))

	rooms, sent := hs.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "!resolved:example.org", rooms[0])
	assert.Equal(t, "**hello**", sent[0]["body"])
	assert.Equal(t, "org.matrix.custom.html", sent[0]["format"])
	assert.Equal(t, "<p><strong>hello</strong></p>", sent[0]["formatted_body"])
}

func TestMatrix_TransmitRejectsUnsupportedRecipient(t *testing.T) {
	hs := newFakeHomeserver(t)
	h, _ := loggedInSession(t, hs, false)

	err := h.Transmit(context.Background(), "15559999@c.us", "hi")
	assert.ErrorIs(t, err, ErrUnsupportedRecipient)
}

func TestMatrix_TransmitAfterRelease(t *testing.T) {
	hs := newFakeHomeserver(t)
	h, _ := loggedInSession(t, hs, false)

	require.NoError(t, h.Release(context.Background()))
	require.NoError(t, h.Release(context.Background()))
	assert.ErrorIs(t, h.Transmit(context.Background(), "!room:example.org", "hi"), ErrReleased)
}

func TestSSORedirectURL(t *testing.T) {
	got := ssoRedirectURL("https://gw.example.com/", "acct 1", "n1")
	assert.Equal(t, "https://gw.example.com/sso/callback?clientId=acct+1&nonce=n1", got)
}

func TestMatrix_RenderMarkdown(t *testing.T) {
	m := NewMatrix(MatrixConfig{}, store.NewMockStore(), nil)

	_, ok := m.renderMarkdown("plain text")
	assert.False(t, ok, "plain paragraphs need no formatted body")

	html, ok := m.renderMarkdown("a *b* c")
	assert.True(t, ok)
	assert.Equal(t, "<p>a <em>b</em> c</p>", html)
}
