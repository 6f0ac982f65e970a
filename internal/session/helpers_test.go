// ABOUTME: Shared fixtures for session package tests
// ABOUTME: Wires a Coordinator to the Fake engine, MockStore and a recording publisher

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/events"
	"github.com/2389/session-gateway/internal/store"
)

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) Names() []string {
	var names []string
	for _, ev := range p.Events() {
		names = append(names, ev.Name)
	}
	return names
}

// stepClock advances one second on every read so successive timestamps
// are strictly increasing.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	t      *testing.T
	engine *engine.Fake
	store  *store.MockStore
	pub    *recordingPublisher
	coord  *Coordinator
	router *Router
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		engine: engine.NewFake(),
		store:  store.NewMockStore(),
		pub:    &recordingPublisher{},
	}
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	cfg := Config{
		Engine:      h.engine,
		Presence:    h.store,
		Publisher:   h.pub,
		AuthEnabled: true,
		SingleShot:  true,
		Now:         clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.coord = NewCoordinator(cfg)
	h.router = NewRouter(h.coord.Registry(), DefaultRecipientSuffix, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.coord.Close(ctx)
	})
	return h
}

func persistent(cfg *Config) { cfg.SingleShot = false }

func authDisabled(cfg *Config) { cfg.AuthEnabled = false }

// initialize calls Initialize and waits for queued callbacks.
func (h *harness) initialize(clientID string) *engine.FakeConn {
	h.t.Helper()
	require.NoError(h.t, h.coord.Initialize(context.Background(), clientID))
	h.flush(clientID)
	conn := h.engine.Last(clientID)
	require.NotNil(h.t, conn)
	return conn
}

// flush waits until the client's mailbox has processed everything posted so far.
func (h *harness) flush(clientID string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.coord.Flush(ctx, clientID))
}

func (h *harness) session(clientID string) *Session {
	h.t.Helper()
	s, ok := h.coord.Registry().Lookup(clientID)
	require.True(h.t, ok, "session %q not registered", clientID)
	return s
}

// ready drives clientID through initialize and ready for accountID.
func (h *harness) ready(clientID, accountID string) *engine.FakeConn {
	h.t.Helper()
	conn := h.initialize(clientID)
	conn.EmitReady(accountID)
	h.flush(clientID)
	return conn
}
