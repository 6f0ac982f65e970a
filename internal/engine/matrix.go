// ABOUTME: Matrix engine built on mautrix with SSO login-token authentication
// ABOUTME: Resumes stored credentials, syncs inbound messages and sends text or markdown

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/session-gateway/internal/store"
)

// networkTimeout bounds Matrix API calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// historySlack tolerates clock skew when filtering backlog from the first sync.
const historySlack = 5 * time.Second

// MatrixConfig configures the Matrix engine.
type MatrixConfig struct {
	Homeserver  string
	CallbackURL string
	DeviceName  string
	Markdown    bool
}

// Matrix is an Engine that maps each client identifier to one Matrix
// device login on a single homeserver.
type Matrix struct {
	cfg    MatrixConfig
	creds  store.CredentialStore
	md     goldmark.Markdown
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*matrixSession // clientID -> session awaiting SSO completion
}

// NewMatrix creates a Matrix engine.
func NewMatrix(cfg MatrixConfig, creds store.CredentialStore, logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "session-gateway"
	}
	return &Matrix{
		cfg:     cfg,
		creds:   creds,
		md:      goldmark.New(),
		logger:  logger.With("component", "engine", "engine", "matrix"),
		pending: make(map[string]*matrixSession),
	}
}

// Connect resumes stored credentials for clientID or starts an SSO login.
func (m *Matrix) Connect(ctx context.Context, clientID string, cb Callbacks) (Handle, error) {
	creds, err := m.creds.GetCredentials(ctx, clientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if creds != nil && creds.Homeserver != m.cfg.Homeserver {
		m.logger.Info("ignoring credentials for another homeserver",
			"client_id", clientID,
			"homeserver", creds.Homeserver)
		creds = nil
	}

	var client *mautrix.Client
	if creds != nil {
		client, err = mautrix.NewClient(m.cfg.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
		if err == nil {
			client.DeviceID = id.DeviceID(creds.DeviceID)
		}
	} else {
		client, err = mautrix.NewClient(m.cfg.Homeserver, "", "")
	}
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	s := newMatrixSession(m, clientID, client, cb)
	if err := s.registerHandlers(); err != nil {
		s.cancel()
		return nil, err
	}

	if creds != nil {
		go s.resume()
		return s, nil
	}

	s.nonce = uuid.New().String()
	m.mu.Lock()
	if prev, ok := m.pending[clientID]; ok {
		prev.released.Store(true)
		prev.cancel()
	}
	m.pending[clientID] = s
	m.mu.Unlock()

	challenge := client.BuildURLWithQuery(
		mautrix.ClientURLPath{"v3", "login", "sso", "redirect"},
		map[string]string{"redirectUrl": ssoRedirectURL(m.cfg.CallbackURL, clientID, s.nonce)},
	)
	m.logger.Info("login challenge issued", "client_id", clientID)
	go s.emitChallenge(challenge)

	return s, nil
}

// CompleteLogin exchanges an SSO login token for an access token and
// brings the pending session for clientID online.
func (m *Matrix) CompleteLogin(ctx context.Context, clientID, nonce, token string) error {
	m.mu.Lock()
	s, ok := m.pending[clientID]
	if !ok || s.nonce != nonce {
		m.mu.Unlock()
		return ErrUnknownLogin
	}
	delete(m.pending, clientID)
	m.mu.Unlock()

	resp, err := s.client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: m.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		// Keep the challenge valid so the owner can retry
		m.mu.Lock()
		if _, taken := m.pending[clientID]; !taken && !s.released.Load() {
			m.pending[clientID] = s
		}
		m.mu.Unlock()
		return fmt.Errorf("matrix login: %w", err)
	}

	err = m.creds.SaveCredentials(ctx, &store.Credentials{
		ClientID:    clientID,
		Homeserver:  m.cfg.Homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	})
	if err != nil {
		m.logger.Warn("failed to save credentials", "client_id", clientID, "error", err)
	}

	m.logger.Info("login completed", "client_id", clientID, "user_id", resp.UserID.String())
	go s.run(resp.UserID.String())
	return nil
}

func (m *Matrix) forget(s *matrixSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[s.clientID] == s {
		delete(m.pending, s.clientID)
	}
}

// renderMarkdown converts text to HTML. ok is false when the result adds
// nothing over the plain body.
func (m *Matrix) renderMarkdown(text string) (html string, ok bool) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	html = strings.TrimSpace(buf.String())
	plain := "<p>" + text + "</p>"
	if html == "" || html == plain {
		return "", false
	}
	return html, true
}

// ssoRedirectURL is where the homeserver sends the browser after SSO. The
// homeserver appends loginToken to it.
func ssoRedirectURL(callbackBase, clientID, nonce string) string {
	q := url.Values{}
	q.Set("clientId", clientID)
	q.Set("nonce", nonce)
	return strings.TrimRight(callbackBase, "/") + "/sso/callback?" + q.Encode()
}

// matrixSession is the Handle for one Connect call.
type matrixSession struct {
	engine   *Matrix
	clientID string
	nonce    string
	client   *mautrix.Client
	cb       Callbacks

	ctx      context.Context
	cancel   context.CancelFunc
	released atomic.Bool
	since    time.Time
}

func newMatrixSession(m *Matrix, clientID string, client *mautrix.Client, cb Callbacks) *matrixSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &matrixSession{
		engine:   m,
		clientID: clientID,
		client:   client,
		cb:       cb,
		ctx:      ctx,
		cancel:   cancel,
		since:    time.Now().Add(-historySlack),
	}
}

func (s *matrixSession) registerHandlers() error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, s.handleMessageEvent)
	return nil
}

func (s *matrixSession) emitChallenge(payload string) {
	if s.released.Load() || s.cb.OnAuthChallenge == nil {
		return
	}
	s.cb.OnAuthChallenge(payload)
}

func (s *matrixSession) emitReady(accountID string) {
	if s.released.Load() || s.cb.OnReady == nil {
		return
	}
	s.cb.OnReady(accountID)
}

func (s *matrixSession) emitDisconnected(reason string) {
	if s.released.Load() || s.cb.OnDisconnected == nil {
		return
	}
	s.cb.OnDisconnected(reason)
}

// resume validates stored credentials before syncing.
func (s *matrixSession) resume() {
	ctx, cancel := context.WithTimeout(s.ctx, networkTimeout)
	resp, err := s.client.Whoami(ctx)
	cancel()
	if err != nil {
		s.engine.logger.Warn("stored credentials rejected", "client_id", s.clientID, "error", err)
		s.dropCredentialsIfRevoked(err)
		s.emitDisconnected(err.Error())
		return
	}
	s.run(resp.UserID.String())
}

// run reports readiness and syncs until the session is released or the
// homeserver rejects it.
func (s *matrixSession) run(accountID string) {
	s.emitReady(accountID)

	err := s.client.SyncWithContext(s.ctx)
	if s.released.Load() || errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		err = errors.New("sync stopped")
	}

	s.engine.logger.Warn("matrix sync ended", "client_id", s.clientID, "error", err)
	s.dropCredentialsIfRevoked(err)
	s.emitDisconnected(err.Error())
}

func (s *matrixSession) dropCredentialsIfRevoked(err error) {
	if !errors.Is(err, mautrix.MUnknownToken) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := s.engine.creds.DeleteCredentials(ctx, s.clientID); err != nil {
		s.engine.logger.Warn("failed to delete revoked credentials", "client_id", s.clientID, "error", err)
	}
}

func (s *matrixSession) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if s.released.Load() || s.cb.OnMessage == nil {
		return
	}
	if evt.Sender == s.client.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return
	}

	at := time.UnixMilli(evt.Timestamp)
	if at.Before(s.since) {
		return
	}

	s.cb.OnMessage(InboundMessage{
		ID:        string(evt.ID),
		From:      evt.Sender.String(),
		Chat:      evt.RoomID.String(),
		Body:      content.Body,
		Timestamp: at,
	})
}

// Transmit sends message to a room ID (!room:server) or alias (#alias:server).
func (s *matrixSession) Transmit(ctx context.Context, recipient, message string) error {
	if s.released.Load() {
		return ErrReleased
	}
	if s.client.AccessToken == "" {
		return errors.New("matrix session is not logged in")
	}

	roomID, err := s.resolveRoom(ctx, recipient)
	if err != nil {
		return err
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
	}
	if s.engine.cfg.Markdown {
		if html, ok := s.engine.renderMarkdown(message); ok {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}

	if _, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

func (s *matrixSession) resolveRoom(ctx context.Context, recipient string) (id.RoomID, error) {
	switch {
	case strings.HasPrefix(recipient, "!"):
		return id.RoomID(recipient), nil
	case strings.HasPrefix(recipient, "#"):
		resp, err := s.client.ResolveAlias(ctx, id.RoomAlias(recipient))
		if err != nil {
			return "", fmt.Errorf("resolving alias %s: %w", recipient, err)
		}
		return resp.RoomID, nil
	default:
		return "", fmt.Errorf("%w: %q (want !room:server or #alias:server)", ErrUnsupportedRecipient, recipient)
	}
}

// Release stops syncing and abandons any pending login. The device stays
// logged in so stored credentials can be resumed later.
func (s *matrixSession) Release(ctx context.Context) error {
	if s.released.Swap(true) {
		return nil
	}
	s.engine.forget(s)
	s.cancel()
	s.client.StopSync()
	return nil
}
