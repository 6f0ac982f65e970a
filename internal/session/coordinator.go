// ABOUTME: Lifecycle coordinator that owns the session state machine
// ABOUTME: Translates operator requests and engine callbacks into transitions, presence writes and events

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/events"
	"github.com/2389/session-gateway/internal/store"
)

const (
	defaultReleaseTimeout = 10 * time.Second
	defaultStoreTimeout   = 5 * time.Second
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(events.Event)
}

// InboundFilter drops redelivered inbound messages.
type InboundFilter interface {
	Observe(scope, id string) (duplicate bool)
	Forget(scope string) int
}

// Config wires a Coordinator.
type Config struct {
	Registry  *Registry
	Engine    engine.Engine
	Presence  store.PresenceStore
	Publisher Publisher
	// Inbound is optional; without it every inbound message is published.
	Inbound InboundFilter

	// AuthEnabled is the initial auth-event policy for new sessions.
	AuthEnabled bool
	// SingleShot removes sessions from the registry once they disconnect.
	SingleShot bool

	ReleaseTimeout time.Duration
	StoreTimeout   time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Coordinator creates, transitions and tears down sessions. All work for
// one client identifier runs in that client's mailbox, one step at a time;
// different clients proceed in parallel.
type Coordinator struct {
	registry  *Registry
	engine    engine.Engine
	presence  store.PresenceStore
	publisher Publisher
	inbound   InboundFilter

	authEnabled    bool
	singleShot     bool
	releaseTimeout time.Duration
	storeTimeout   time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// ctx outlives individual requests; engine sessions are bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	epochs atomic.Uint64

	// accounts orders presence writes for one account across clients.
	accounts *accountLocks

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	releaseTimeout := cfg.ReleaseTimeout
	if releaseTimeout <= 0 {
		releaseTimeout = defaultReleaseTimeout
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:       registry,
		engine:         cfg.Engine,
		presence:       cfg.Presence,
		publisher:      cfg.Publisher,
		inbound:        cfg.Inbound,
		authEnabled:    cfg.AuthEnabled,
		singleShot:     cfg.SingleShot,
		releaseTimeout: releaseTimeout,
		storeTimeout:   storeTimeout,
		now:            now,
		logger:         logger.With("component", "coordinator"),
		ctx:            ctx,
		cancel:         cancel,
		accounts:       newAccountLocks(),
		boxes:          make(map[string]*mailbox),
	}
}

// Registry returns the registry this coordinator writes to.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Initialize retires any session for clientID and starts a new one. It
// returns once the engine has been asked to connect, not when the session
// is ready. If ctx ends first the request still runs.
func (c *Coordinator) Initialize(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("%w: clientId is required", ErrValidation)
	}
	reply := make(chan error, 1)
	return c.request(ctx, clientID, initializeMsg{reply: reply}, reply)
}

// Logout marks the session for clientID disconnected without releasing
// its engine handle. Logging out a disconnected session is a no-op.
func (c *Coordinator) Logout(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("%w: clientId is required", ErrValidation)
	}
	reply := make(chan error, 1)
	return c.request(ctx, clientID, logoutMsg{reply: reply}, reply)
}

// DeleteSession releases the engine handle, removes the presence record
// and drops the session from the registry.
func (c *Coordinator) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("%w: clientId is required", ErrValidation)
	}
	reply := make(chan error, 1)
	return c.request(ctx, clientID, deleteMsg{reply: reply}, reply)
}

// Flush waits until everything queued for clientID so far has been
// processed.
func (c *Coordinator) Flush(ctx context.Context, clientID string) error {
	reply := make(chan error, 1)
	return c.request(ctx, clientID, flushMsg{reply: reply}, reply)
}

func (c *Coordinator) request(ctx context.Context, clientID string, msg message, reply <-chan error) error {
	if err := c.submit(clientID, msg); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, waits for queued work to finish and releases
// every remaining engine handle.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for mailboxes: %w", ctx.Err())
	}

	for _, info := range c.registry.List() {
		if s, ok := c.registry.Lookup(info.ClientID); ok {
			_ = c.releaseHandle(s)
		}
	}
	c.cancel()
	return err
}

func (c *Coordinator) callbacks(clientID string, epoch uint64) engine.Callbacks {
	return engine.Callbacks{
		OnAuthChallenge: func(payload string) {
			c.post(clientID, challengeMsg{epoch: epoch, payload: payload})
		},
		OnReady: func(accountID string) {
			c.post(clientID, readyMsg{epoch: epoch, accountID: accountID})
		},
		OnDisconnected: func(reason string) {
			c.post(clientID, disconnectedMsg{epoch: epoch, reason: reason})
		},
		OnMessage: func(msg engine.InboundMessage) {
			c.post(clientID, inboundMsg{epoch: epoch, msg: msg})
		},
	}
}

// handle runs inside the client's mailbox.
func (c *Coordinator) handle(clientID string, msg message) {
	switch m := msg.(type) {
	case initializeMsg:
		m.reply <- c.initialize(clientID)
	case logoutMsg:
		m.reply <- c.logout(clientID)
	case deleteMsg:
		m.reply <- c.deleteSession(clientID)
	case flushMsg:
		m.reply <- nil
	case challengeMsg:
		if s := c.current(clientID, m.epoch, "auth_challenge"); s != nil {
			c.onAuthChallenge(s, m.payload)
		}
	case readyMsg:
		if s := c.current(clientID, m.epoch, "ready"); s != nil {
			c.onReady(s, m.accountID)
		}
	case disconnectedMsg:
		if s := c.current(clientID, m.epoch, "disconnected"); s != nil {
			c.onDisconnected(s, m.reason)
		}
	case inboundMsg:
		if s := c.current(clientID, m.epoch, "message"); s != nil {
			c.onInbound(s, m.msg)
		}
	case retireMsg:
		if s := c.current(clientID, m.epoch, "retire"); s != nil {
			c.onTakenOver(s, m.account, m.takenBy)
		}
	default:
		c.logger.Error("unknown mailbox message", "client_id", clientID, "type", fmt.Sprintf("%T", msg))
	}
}

// current returns the registered session for clientID if it still has
// the given epoch. Anything else is a late callback from a retired session.
func (c *Coordinator) current(clientID string, epoch uint64, kind string) *Session {
	s, ok := c.registry.Lookup(clientID)
	if !ok || s.Epoch != epoch || s.State() == StateDestroyed {
		c.logger.Debug("discarding stale callback",
			"client_id", clientID,
			"callback", kind,
			"epoch", epoch,
		)
		return nil
	}
	return s
}

func (c *Coordinator) initialize(clientID string) error {
	if old, ok := c.registry.Lookup(clientID); ok {
		c.retire(old, "reinitialized")
	}

	s := newSession(clientID, c.epochs.Add(1), c.authEnabled, c.singleShot, c.now())
	if err := c.registry.Register(s); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	handle, err := c.engine.Connect(c.ctx, clientID, c.callbacks(clientID, s.Epoch))
	if err != nil {
		c.registry.RemoveSession(s)
		s.setState(StateDestroyed)
		c.logger.Error("engine connect failed", "client_id", clientID, "epoch", s.Epoch, "error", err)
		return fmt.Errorf("connecting engine: %w", err)
	}
	s.attach(handle)

	c.logger.Info("session initializing",
		"client_id", clientID,
		"epoch", s.Epoch,
		"auth_enabled", s.AuthEnabled(),
		"single_shot", s.SingleShot,
	)
	return nil
}

// retire tears s down silently: no presence write and no event.
func (c *Coordinator) retire(s *Session, reason string) {
	_ = c.releaseHandle(s)
	c.registry.RemoveSession(s)
	prev := s.setState(StateDestroyed)
	c.forgetInbound(s.ClientID)

	c.logger.Info("session retired",
		"client_id", s.ClientID,
		"epoch", s.Epoch,
		"account_id", s.AccountID(),
		"previous_state", prev.String(),
		"reason", reason,
	)
}

func (c *Coordinator) onAuthChallenge(s *Session, payload string) {
	prev := s.State()
	now := c.now()
	s.recordChallenge(payload, now)

	c.logger.Info("auth challenge received",
		"client_id", s.ClientID,
		"epoch", s.Epoch,
		"previous_state", prev.String(),
		"state", StateAwaitingAuth.String(),
	)

	// A ready session asked to authenticate again is no longer routable.
	if prev == StateReady {
		accountID := s.AccountID()
		c.markOffline(s, accountID)
		c.publish(events.NewUserDisconnected(s.ClientID, accountID, now))
	}

	if !s.AuthEnabled() {
		c.logger.Debug("auth events disabled, not broadcasting challenge", "client_id", s.ClientID)
		return
	}
	c.publish(events.NewQR(s.ClientID, payload, now))
}

func (c *Coordinator) onReady(s *Session, accountID string) {
	if accountID == "" {
		c.logger.Warn("engine reported ready without an account", "client_id", s.ClientID, "epoch", s.Epoch)
		return
	}

	displaced := c.registry.MarkReady(s, accountID)
	now := c.now()

	c.logger.Info("session ready",
		"client_id", s.ClientID,
		"account_id", accountID,
		"epoch", s.Epoch,
		"state", StateReady.String(),
	)

	unlock := c.accounts.lock(accountID)
	c.writePresence(&store.PresenceRecord{
		AccountID: accountID,
		LastSeen:  now,
		Status:    store.StatusOnline,
	})
	unlock()
	c.publish(events.NewUserLoggedIn(s.ClientID, accountID, now))

	for _, d := range displaced {
		c.logger.Warn("account moved to another client",
			"account_id", accountID,
			"from_client_id", d.ClientID,
			"to_client_id", s.ClientID,
		)
		c.post(d.ClientID, retireMsg{epoch: d.Epoch, account: accountID, takenBy: s.ClientID})
	}
}

// onTakenOver retires a session whose account is now served by takenBy.
// The account stays online, so there is no presence write.
func (c *Coordinator) onTakenOver(s *Session, accountID, takenBy string) {
	if s.State() != StateDisconnected {
		// Re-authenticated in the meantime; its own MarkReady settled ownership.
		return
	}
	c.publish(events.NewUserDisconnected(s.ClientID, accountID, c.now()))
	c.retire(s, "account taken over by "+takenBy)
}

func (c *Coordinator) onDisconnected(s *Session, reason string) {
	prev := s.setState(StateDisconnected)
	accountID := s.AccountID()

	if prev != StateDisconnected {
		c.logger.Info("session disconnected",
			"client_id", s.ClientID,
			"account_id", accountID,
			"epoch", s.Epoch,
			"previous_state", prev.String(),
			"reason", reason,
		)
		c.markOffline(s, accountID)
		c.publish(events.NewUserDisconnected(s.ClientID, accountID, c.now()))
	}

	if !s.SingleShot {
		return
	}

	s.setAuthEnabled(false)
	_ = c.releaseHandle(s)
	c.registry.RemoveSession(s)
	s.setState(StateDestroyed)
	c.forgetInbound(s.ClientID)

	c.logger.Info("single-shot session removed", "client_id", s.ClientID, "epoch", s.Epoch)
}

func (c *Coordinator) onInbound(s *Session, msg engine.InboundMessage) {
	if c.inbound != nil && c.inbound.Observe(s.ClientID, msg.ID) {
		c.logger.Debug("dropping duplicate inbound message", "client_id", s.ClientID, "message_id", msg.ID)
		return
	}

	c.logger.Info("message received",
		"client_id", s.ClientID,
		"from", msg.From,
		"chat", msg.Chat,
		"content", truncate(msg.Body, 50),
	)

	at := msg.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	c.publish(events.NewMessage(s.ClientID, msg.From, msg.Chat, msg.Body, at))
}

func (c *Coordinator) logout(clientID string) error {
	s, ok := c.registry.Lookup(clientID)
	if !ok {
		return ErrClientNotFound
	}

	prev := s.State()
	if prev == StateDisconnected {
		return nil
	}
	s.setState(StateDisconnected)
	accountID := s.AccountID()

	c.logger.Info("session logged out",
		"client_id", clientID,
		"account_id", accountID,
		"epoch", s.Epoch,
		"previous_state", prev.String(),
	)

	c.markOffline(s, accountID)
	c.publish(events.NewUserDisconnected(clientID, accountID, c.now()))
	return nil
}

func (c *Coordinator) deleteSession(clientID string) error {
	s, ok := c.registry.Lookup(clientID)
	if !ok {
		return ErrClientNotFound
	}

	releaseErr := c.releaseHandle(s)

	accountID := s.AccountID()
	if accountID != "" {
		c.removePresence(s, accountID)
	}

	c.registry.RemoveSession(s)
	prev := s.setState(StateDestroyed)
	c.forgetInbound(clientID)

	c.logger.Info("session deleted",
		"client_id", clientID,
		"account_id", accountID,
		"epoch", s.Epoch,
		"previous_state", prev.String(),
	)

	if releaseErr != nil {
		return fmt.Errorf("releasing engine handle: %w", releaseErr)
	}
	return nil
}

// removePresence deletes the presence record of accountID unless another
// session now serves the account.
func (c *Coordinator) removePresence(s *Session, accountID string) {
	unlock := c.accounts.lock(accountID)
	defer unlock()

	if c.servedElsewhere(s, accountID) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.storeTimeout)
	defer cancel()
	if err := c.presence.RemovePresence(ctx, accountID); err != nil {
		c.logger.Error("failed to remove presence", "client_id", s.ClientID, "account_id", accountID, "error", err)
	}
}

// servedElsewhere reports whether another ready session owns accountID.
// Callers hold the account lock so the answer stays true until their write.
func (c *Coordinator) servedElsewhere(s *Session, accountID string) bool {
	other, ok := c.registry.LookupByAccount(accountID)
	return ok && other != s
}

// markOffline flips an existing presence record to offline. Accounts with
// no record, or now served by another session, are left alone.
func (c *Coordinator) markOffline(s *Session, accountID string) {
	if accountID == "" {
		c.logger.Debug("no account bound, skipping presence update", "client_id", s.ClientID)
		return
	}

	unlock := c.accounts.lock(accountID)
	defer unlock()

	if c.servedElsewhere(s, accountID) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.storeTimeout)
	defer cancel()

	rec, err := c.presence.GetPresence(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("no presence record to mark offline", "client_id", s.ClientID, "account_id", accountID)
		return
	}
	if err != nil {
		c.logger.Error("failed to read presence", "client_id", s.ClientID, "account_id", accountID, "error", err)
		return
	}

	rec.Status = store.StatusOffline
	rec.LastSeen = c.now()
	if err := c.presence.UpsertPresence(ctx, rec); err != nil {
		c.logger.Error("failed to update presence", "client_id", s.ClientID, "account_id", accountID, "error", err)
	}
}

func (c *Coordinator) writePresence(rec *store.PresenceRecord) {
	ctx, cancel := context.WithTimeout(c.ctx, c.storeTimeout)
	defer cancel()
	if err := c.presence.UpsertPresence(ctx, rec); err != nil {
		c.logger.Error("failed to update presence", "account_id", rec.AccountID, "status", rec.Status, "error", err)
	}
}

func (c *Coordinator) publish(ev events.Event) {
	if c.publisher != nil {
		c.publisher.Publish(ev)
	}
}

// releaseHandle releases the session's engine handle once.
func (c *Coordinator) releaseHandle(s *Session) error {
	h := s.detach()
	if h == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	if err := h.Release(ctx); err != nil {
		c.logger.Warn("failed to release engine handle", "client_id", s.ClientID, "epoch", s.Epoch, "error", err)
		return err
	}
	return nil
}

func (c *Coordinator) forgetInbound(clientID string) {
	if c.inbound != nil {
		c.inbound.Forget(clientID)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
