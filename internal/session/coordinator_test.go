// ABOUTME: Tests for the lifecycle Coordinator
// ABOUTME: Covers transitions, presence writes, events, epoch discard and concurrent initialization

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/dedupe"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/events"
	"github.com/2389/session-gateway/internal/store"
)

func TestCoordinator_InitializeValidation(t *testing.T) {
	h := newHarness(t)

	err := h.coord.Initialize(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
	err = h.coord.Initialize(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, h.engine.ConnectCount())
}

func TestCoordinator_InitializeRegistersSession(t *testing.T) {
	h := newHarness(t)

	h.initialize("acct1")

	s := h.session("acct1")
	assert.Equal(t, StateInitializing, s.State())
	assert.Empty(t, s.AccountID())
	assert.NotZero(t, s.Epoch)
	assert.True(t, s.AuthEnabled())
	assert.Equal(t, 1, h.engine.ConnectCount())
	assert.Empty(t, h.pub.Events())
}

func TestCoordinator_AuthChallengePublishesQR(t *testing.T) {
	h := newHarness(t)
	conn := h.initialize("acct1")

	conn.EmitChallenge("2@abc,def")
	h.flush("acct1")

	assert.Equal(t, StateAwaitingAuth, h.session("acct1").State())
	evs := h.pub.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventQR, evs[0].Name)
	assert.Equal(t, events.QRPayload{ClientID: "acct1", QR: "2@abc,def"}, evs[0].Data)

	// A refreshed challenge is idempotent on state and emits again
	conn.EmitChallenge("2@ghi")
	h.flush("acct1")
	assert.Equal(t, StateAwaitingAuth, h.session("acct1").State())
	assert.Len(t, h.pub.Events(), 2)

	payload, _, ok := h.session("acct1").LastChallenge()
	assert.True(t, ok)
	assert.Equal(t, "2@ghi", payload)
}

func TestCoordinator_AuthDisabledSuppressesQR(t *testing.T) {
	h := newHarness(t, authDisabled)
	conn := h.initialize("acct1")

	conn.EmitChallenge("2@abc")
	h.flush("acct1")

	s := h.session("acct1")
	assert.Equal(t, StateAwaitingAuth, s.State())
	assert.Empty(t, h.pub.Events())
	payload, _, ok := s.LastChallenge()
	assert.True(t, ok)
	assert.Equal(t, "2@abc", payload)
}

func TestCoordinator_ReadyWritesPresenceAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.ready("acct1", "15551234")

	s := h.session("acct1")
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "15551234", s.AccountID())

	rec, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, rec.Status)

	evs := h.pub.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventUserLoggedIn, evs[0].Name)
	payload, ok := evs[0].Data.(events.LoginPayload)
	require.True(t, ok)
	assert.Equal(t, "acct1", payload.ClientID)
	assert.Equal(t, "15551234", payload.AccountID)
	assert.Equal(t, rec.LastSeen.UnixMilli(), payload.Timestamp)
}

func TestCoordinator_ReadyWithoutAccountIgnored(t *testing.T) {
	h := newHarness(t)
	conn := h.initialize("acct1")

	conn.EmitReady("")
	h.flush("acct1")

	assert.Equal(t, StateInitializing, h.session("acct1").State())
	assert.Equal(t, 0, h.store.Writes())
	assert.Empty(t, h.pub.Events())
}

func TestCoordinator_DisconnectMarksOffline(t *testing.T) {
	h := newHarness(t)
	conn := h.ready("acct1", "15551234")

	before, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)

	conn.EmitDisconnected("NAVIGATION")
	h.flush("acct1")

	after, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, after.Status)
	assert.True(t, after.LastSeen.After(before.LastSeen), "lastSeen should move forward")

	assert.Equal(t, []string{events.EventUserLoggedIn, events.EventUserDisconnected}, h.pub.Names())
	last := h.pub.Events()[1]
	assert.Equal(t, events.DisconnectPayload{ClientID: "acct1", AccountID: "15551234"}, last.Data)
}

func TestCoordinator_SingleShotRemovesOnDisconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.ready("acct1", "15551234")
	s := h.session("acct1")

	conn.EmitDisconnected("LOGOUT")
	h.flush("acct1")

	_, ok := h.coord.Registry().Lookup("acct1")
	assert.False(t, ok)
	assert.True(t, conn.Released())
	assert.False(t, s.AuthEnabled())
	assert.Equal(t, StateDestroyed, s.State())

	// A fresh initialize starts over with a new epoch
	conn2 := h.initialize("acct1")
	assert.NotSame(t, conn, conn2)
	assert.Greater(t, h.session("acct1").Epoch, s.Epoch)
}

func TestCoordinator_PersistentKeepsDisconnectedSession(t *testing.T) {
	h := newHarness(t, persistent)
	conn := h.ready("acct1", "15551234")

	conn.EmitDisconnected("CONFLICT")
	h.flush("acct1")

	s := h.session("acct1")
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, conn.Released())
	assert.True(t, s.AuthEnabled())

	// The engine re-authenticates on its own
	conn.EmitChallenge("2@again")
	conn.EmitReady("15551234")
	h.flush("acct1")

	assert.Equal(t, StateReady, s.State())
	rec, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, rec.Status)
	assert.Equal(t,
		[]string{events.EventUserLoggedIn, events.EventUserDisconnected, events.EventQR, events.EventUserLoggedIn},
		h.pub.Names())
}

func TestCoordinator_DisconnectWithoutPresenceRecord(t *testing.T) {
	h := newHarness(t)
	conn := h.ready("acct1", "15551234")
	require.NoError(t, h.store.RemovePresence(context.Background(), "15551234"))

	conn.EmitDisconnected("NAVIGATION")
	h.flush("acct1")

	_, err := h.store.GetPresence(context.Background(), "15551234")
	assert.ErrorIs(t, err, store.ErrNotFound, "no record is created on disconnect")
	assert.Contains(t, h.pub.Names(), events.EventUserDisconnected)
}

func TestCoordinator_DisconnectBeforeReady(t *testing.T) {
	h := newHarness(t)
	conn := h.initialize("acct1")

	conn.EmitDisconnected("timeout")
	h.flush("acct1")

	assert.Equal(t, 0, h.store.Writes())
	evs := h.pub.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.DisconnectPayload{ClientID: "acct1", AccountID: ""}, evs[0].Data)
}

func TestCoordinator_StoreFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.store.SetFailing(true)

	conn := h.ready("acct1", "15551234")
	assert.Equal(t, StateReady, h.session("acct1").State())
	assert.Equal(t, []string{events.EventUserLoggedIn}, h.pub.Names())

	conn.EmitDisconnected("NAVIGATION")
	h.flush("acct1")
	_, ok := h.coord.Registry().Lookup("acct1")
	assert.False(t, ok)
	assert.Equal(t, []string{events.EventUserLoggedIn, events.EventUserDisconnected}, h.pub.Names())
}

func TestCoordinator_ReinitializeBeforeReady(t *testing.T) {
	h := newHarness(t)
	first := h.initialize("acct1")
	firstEpoch := h.session("acct1").Epoch

	second := h.initialize("acct1")
	require.NotSame(t, first, second)
	assert.True(t, first.Released(), "first handle should be released")
	assert.False(t, second.Released())
	assert.Greater(t, h.session("acct1").Epoch, firstEpoch)

	// The retired engine reports ready late; it must be ignored
	first.Callbacks().OnReady("15551234")
	h.flush("acct1")
	assert.Equal(t, StateInitializing, h.session("acct1").State())
	assert.Empty(t, h.pub.Events())

	second.EmitReady("15551234")
	h.flush("acct1")
	assert.Equal(t, StateReady, h.session("acct1").State())
	assert.Equal(t, []string{events.EventUserLoggedIn}, h.pub.Names())
	assert.Equal(t, 1, h.coord.Registry().Len())
}

func TestCoordinator_ReinitializeReadySessionIsSilent(t *testing.T) {
	h := newHarness(t)
	first := h.ready("acct1", "15551234")
	writes := h.store.Writes()

	h.initialize("acct1")

	assert.True(t, first.Released())
	assert.Equal(t, writes, h.store.Writes(), "retirement does not touch presence")
	assert.Equal(t, []string{events.EventUserLoggedIn}, h.pub.Names())
	assert.Equal(t, StateInitializing, h.session("acct1").State())
}

func TestCoordinator_StaleCallbacksDiscarded(t *testing.T) {
	h := newHarness(t, persistent)
	first := h.initialize("acct1")
	h.initialize("acct1")

	cb := first.Callbacks()
	cb.OnAuthChallenge("stale")
	cb.OnDisconnected("stale")
	cb.OnMessage(engine.InboundMessage{ID: "m1", Body: "stale"})
	h.flush("acct1")

	s := h.session("acct1")
	assert.Equal(t, StateInitializing, s.State())
	_, _, ok := s.LastChallenge()
	assert.False(t, ok)
	assert.Empty(t, h.pub.Events())
}

func TestCoordinator_ConcurrentInitializeSameClient(t *testing.T) {
	h := newHarness(t)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.coord.Initialize(context.Background(), "acct1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	h.flush("acct1")

	assert.Equal(t, 1, h.coord.Registry().Len())
	conns := h.engine.Conns("acct1")
	require.Len(t, conns, n)

	live := 0
	for _, c := range conns {
		if !c.Released() {
			live++
		}
	}
	assert.Equal(t, 1, live, "exactly one engine handle stays live")
	assert.False(t, conns[n-1].Released(), "the last connect wins")

	// Only the live session can become ready
	for _, c := range conns {
		c.Callbacks().OnReady("15551234")
	}
	h.flush("acct1")
	assert.Equal(t, []string{events.EventUserLoggedIn}, h.pub.Names())
}

func TestCoordinator_ConcurrentInitializeDistinctClients(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.coord.Initialize(context.Background(), fmt.Sprintf("client-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, h.coord.Registry().Len())
	assert.Equal(t, 20, h.engine.ConnectCount())
}

func TestCoordinator_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("browser failed to launch")
	h.engine.SetConnectError(boom)

	err := h.coord.Initialize(context.Background(), "acct1")
	assert.ErrorIs(t, err, boom)

	_, ok := h.coord.Registry().Lookup("acct1")
	assert.False(t, ok)

	h.engine.SetConnectError(nil)
	h.initialize("acct1")
	assert.Equal(t, StateInitializing, h.session("acct1").State())
}

func TestCoordinator_AccountTakeover(t *testing.T) {
	h := newHarness(t)
	connA := h.ready("a", "15551234")
	h.ready("b", "15551234")
	h.flush("a")

	_, ok := h.coord.Registry().Lookup("a")
	assert.False(t, ok, "displaced session is retired")
	assert.True(t, connA.Released())

	got, ok := h.coord.Registry().LookupByAccount("15551234")
	require.True(t, ok)
	assert.Equal(t, "b", got.ClientID)

	rec, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, rec.Status, "the account stays online")

	evs := h.pub.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.EventUserDisconnected, evs[2].Name)
	assert.Equal(t, "a", evs[2].ClientID)
}

func TestCoordinator_Logout(t *testing.T) {
	h := newHarness(t)

	err := h.coord.Logout(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrClientNotFound)

	conn := h.ready("acct1", "15551234")
	require.NoError(t, h.coord.Logout(context.Background(), "acct1"))

	s := h.session("acct1")
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, conn.Released(), "logout keeps the handle")

	rec, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, rec.Status)
	assert.Equal(t, []string{events.EventUserLoggedIn, events.EventUserDisconnected}, h.pub.Names())

	// Second logout is a no-op
	writes := h.store.Writes()
	require.NoError(t, h.coord.Logout(context.Background(), "acct1"))
	assert.Equal(t, writes, h.store.Writes())
	assert.Len(t, h.pub.Events(), 2)
}

func TestCoordinator_DeleteUnknownClient(t *testing.T) {
	h := newHarness(t)
	h.ready("acct1", "15551234")
	writes := h.store.Writes()
	before := h.coord.Registry().List()

	err := h.coord.DeleteSession(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Equal(t, writes, h.store.Writes())
	assert.Equal(t, before, h.coord.Registry().List())
}

func TestCoordinator_DeleteSession(t *testing.T) {
	h := newHarness(t, persistent)
	conn := h.ready("acct1", "15551234")
	s := h.session("acct1")

	require.NoError(t, h.coord.DeleteSession(context.Background(), "acct1"))

	assert.True(t, conn.Released())
	assert.Equal(t, StateDestroyed, s.State())
	_, ok := h.coord.Registry().Lookup("acct1")
	assert.False(t, ok)
	_, err := h.store.GetPresence(context.Background(), "15551234")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Late callbacks from the deleted session are discarded
	conn.Callbacks().OnReady("15551234")
	h.flush("acct1")
	_, ok = h.coord.Registry().Lookup("acct1")
	assert.False(t, ok)

	assert.ErrorIs(t, h.coord.DeleteSession(context.Background(), "acct1"), ErrClientNotFound)
}

func TestCoordinator_DeleteSessionReleaseFailure(t *testing.T) {
	h := newHarness(t)
	conn := h.ready("acct1", "15551234")
	boom := errors.New("browser crashed")
	conn.SetReleaseError(boom)

	err := h.coord.DeleteSession(context.Background(), "acct1")
	assert.ErrorIs(t, err, boom)

	_, ok := h.coord.Registry().Lookup("acct1")
	assert.False(t, ok, "teardown completes despite the release error")
	_, err = h.store.GetPresence(context.Background(), "15551234")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_DeleteBeforeReadyLeavesPresenceAlone(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertPresence(context.Background(), &store.PresenceRecord{
		AccountID: "15551234", LastSeen: time.Now(), Status: store.StatusOffline,
	}))
	h.initialize("acct1")

	require.NoError(t, h.coord.DeleteSession(context.Background(), "acct1"))

	_, err := h.store.GetPresence(context.Background(), "15551234")
	assert.NoError(t, err)
}

func TestCoordinator_InboundMessages(t *testing.T) {
	window := dedupe.New(time.Minute, 100)
	t.Cleanup(window.Close)
	h := newHarness(t, func(cfg *Config) { cfg.Inbound = window })
	conn := h.ready("acct1", "15551234")

	msg := engine.InboundMessage{ID: "m1", From: "15559999@c.us", Chat: "15559999@c.us", Body: "hello"}
	conn.EmitMessage(msg)
	conn.EmitMessage(msg)
	conn.EmitMessage(engine.InboundMessage{ID: "m2", From: "15559999@c.us", Body: "again"})
	h.flush("acct1")

	evs := h.pub.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.EventMessage, evs[1].Name)
	assert.Equal(t, events.MessagePayload{
		ClientID: "acct1",
		From:     "15559999@c.us",
		Chat:     "15559999@c.us",
		Body:     "hello",
	}, evs[1].Data)
	assert.Equal(t, "again", evs[2].Data.(events.MessagePayload).Body)

	// Retiring the session clears its window
	require.NoError(t, h.coord.DeleteSession(context.Background(), "acct1"))
	assert.Equal(t, 0, window.Len())
}

func TestCoordinator_Close(t *testing.T) {
	h := newHarness(t)
	conn := h.ready("acct1", "15551234")

	require.NoError(t, h.coord.Close(context.Background()))
	assert.True(t, conn.Released())

	err := h.coord.Initialize(context.Background(), "acct2")
	assert.ErrorIs(t, err, ErrCoordinatorClosed)

	// Callbacks after close are dropped without panicking
	conn.Callbacks().OnDisconnected("shutdown")
	require.NoError(t, h.coord.Close(context.Background()))
}

func TestCoordinator_RequestHonorsContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The request may or may not have run; the caller gets its context error
	// or the result, never a hang.
	err := h.coord.Initialize(ctx, "acct1")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	h.flush("acct1")
	assert.Equal(t, 1, h.coord.Registry().Len())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo...", truncate("héllo world", 5))
}

// gatedPresence parks the first armed call to op until release is closed.
type gatedPresence struct {
	*store.MockStore
	op      string
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newGatedPresence(op string) *gatedPresence {
	return &gatedPresence{
		MockStore: store.NewMockStore(),
		op:        op,
		armed:     make(chan struct{}, 1),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedPresence) arm() { g.armed <- struct{}{} }

func (g *gatedPresence) wait(op string) {
	if op != g.op {
		return
	}
	select {
	case <-g.armed:
		close(g.entered)
		<-g.release
	default:
	}
}

func (g *gatedPresence) GetPresence(ctx context.Context, accountID string) (*store.PresenceRecord, error) {
	g.wait("get")
	return g.MockStore.GetPresence(ctx, accountID)
}

func (g *gatedPresence) RemovePresence(ctx context.Context, accountID string) error {
	g.wait("remove")
	return g.MockStore.RemovePresence(ctx, accountID)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestCoordinator_OfflineWriteYieldsToNewOwner(t *testing.T) {
	gated := newGatedPresence("get")
	h := newHarness(t, func(c *Config) { c.Presence = gated })
	c1 := h.ready("c1", "15551234")

	gated.arm()
	c1.EmitDisconnected("network")
	waitClosed(t, gated.entered, "c1 to read presence")

	// c2 takes the account while c1 is between its ownership check and its write
	c2 := h.initialize("c2")
	c2.EmitReady("15551234")
	require.Eventually(t, func() bool {
		return h.session("c2").State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	close(gated.release)
	h.flush("c1")
	h.flush("c2")

	rec, err := gated.MockStore.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, rec.Status)
	require.NoError(t, h.router.Send(context.Background(), "15551234", "15559999", "hi"))
	assert.Zero(t, h.coord.accounts.held())
}

func TestCoordinator_DeleteYieldsToNewOwner(t *testing.T) {
	gated := newGatedPresence("remove")
	h := newHarness(t, persistent, func(c *Config) { c.Presence = gated })
	h.ready("c1", "15551234")

	gated.arm()
	deleted := make(chan error, 1)
	go func() { deleted <- h.coord.DeleteSession(context.Background(), "c1") }()
	waitClosed(t, gated.entered, "c1 to remove presence")

	c2 := h.initialize("c2")
	c2.EmitReady("15551234")
	require.Eventually(t, func() bool {
		return h.session("c2").State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	close(gated.release)
	require.NoError(t, <-deleted)
	h.flush("c2")

	rec, err := gated.MockStore.GetPresence(context.Background(), "15551234")
	require.NoError(t, err, "the new owner's record survives the delete")
	assert.Equal(t, store.StatusOnline, rec.Status)
	assert.Zero(t, h.coord.accounts.held())
}

func TestCoordinator_ChallengeWhileReadyGoesOffline(t *testing.T) {
	h := newHarness(t, persistent)
	conn := h.ready("acct1", "15551234")

	conn.EmitChallenge("2@relogin")
	h.flush("acct1")

	s := h.session("acct1")
	assert.Equal(t, StateAwaitingAuth, s.State())

	rec, err := h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, rec.Status)
	assert.Equal(t,
		[]string{events.EventUserLoggedIn, events.EventUserDisconnected, events.EventQR},
		h.pub.Names())

	err = h.router.Send(context.Background(), "15551234", "15559999", "hi")
	assert.ErrorIs(t, err, ErrClientNotFound)

	// Completing the new challenge brings the account back
	conn.EmitReady("15551234")
	h.flush("acct1")
	rec, err = h.store.GetPresence(context.Background(), "15551234")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, rec.Status)
}
