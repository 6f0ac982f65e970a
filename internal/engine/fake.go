// ABOUTME: Scripted in-memory engine for tests and local development
// ABOUTME: Records connects and transmissions and lets callers drive callbacks by hand

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Transmission is one recorded Transmit call.
type Transmission struct {
	Recipient string
	Message   string
}

// Fake is an Engine whose sessions only change state when told to. With
// AutoChallenge set, every Connect immediately issues an auth challenge and
// CompleteLogin turns the login token into the account identity.
type Fake struct {
	// AutoChallenge makes Connect emit "fake-login:<clientID>" as an auth
	// challenge.
	AutoChallenge bool

	mu         sync.Mutex
	conns      []*FakeConn
	connectErr error
	notify     chan struct{}
}

// NewFake creates a Fake engine.
func NewFake() *Fake {
	return &Fake{notify: make(chan struct{}, 1)}
}

// SetConnectError makes subsequent Connect calls fail with err. Pass nil
// to restore normal behavior.
func (f *Fake) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// Connect records a new FakeConn.
func (f *Fake) Connect(ctx context.Context, clientID string, cb Callbacks) (Handle, error) {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return nil, err
	}
	conn := &FakeConn{ClientID: clientID, cb: cb}
	f.conns = append(f.conns, conn)
	auto := f.AutoChallenge
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}

	if auto {
		conn.EmitChallenge("fake-login:" + clientID)
	}
	return conn, nil
}

// CompleteLogin marks the latest session for clientID ready with token as
// the account identity. The nonce is ignored.
func (f *Fake) CompleteLogin(ctx context.Context, clientID, nonce, token string) error {
	conn := f.Last(clientID)
	if conn == nil || conn.Released() {
		return ErrUnknownLogin
	}
	if token == "" {
		return fmt.Errorf("%w: empty login token", ErrUnknownLogin)
	}
	conn.EmitReady(token)
	return nil
}

// Conns returns every connection made for clientID, oldest first.
func (f *Fake) Conns(clientID string) []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*FakeConn
	for _, c := range f.conns {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent connection for clientID, or nil.
func (f *Fake) Last(clientID string) *FakeConn {
	conns := f.Conns(clientID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// ConnectCount returns the total number of successful Connect calls.
func (f *Fake) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// WaitForConnects blocks until at least n Connect calls have happened or
// timeout elapses.
func (f *Fake) WaitForConnects(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if f.ConnectCount() >= n {
			return true
		}
		select {
		case <-f.notify:
		case <-deadline.C:
			return f.ConnectCount() >= n
		}
	}
}

// FakeConn is the Handle returned by Fake.Connect.
type FakeConn struct {
	ClientID string
	cb       Callbacks

	mu           sync.Mutex
	released     bool
	transmits    []Transmission
	transmitErr  error
	releaseErr   error
	releaseCalls int
}

// EmitChallenge invokes OnAuthChallenge unless the handle was released.
func (c *FakeConn) EmitChallenge(payload string) {
	if c.Released() || c.cb.OnAuthChallenge == nil {
		return
	}
	c.cb.OnAuthChallenge(payload)
}

// EmitReady invokes OnReady unless the handle was released.
func (c *FakeConn) EmitReady(accountID string) {
	if c.Released() || c.cb.OnReady == nil {
		return
	}
	c.cb.OnReady(accountID)
}

// EmitDisconnected invokes OnDisconnected unless the handle was released.
func (c *FakeConn) EmitDisconnected(reason string) {
	if c.Released() || c.cb.OnDisconnected == nil {
		return
	}
	c.cb.OnDisconnected(reason)
}

// EmitMessage invokes OnMessage unless the handle was released.
func (c *FakeConn) EmitMessage(msg InboundMessage) {
	if c.Released() || c.cb.OnMessage == nil {
		return
	}
	c.cb.OnMessage(msg)
}

// Callbacks returns the callbacks passed to Connect. Unlike the Emit
// helpers they fire even after Release, which lets tests simulate late
// engine callbacks.
func (c *FakeConn) Callbacks() Callbacks {
	return c.cb
}

// SetTransmitError makes subsequent Transmit calls fail with err.
func (c *FakeConn) SetTransmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmitErr = err
}

// SetReleaseError makes Release return err (the handle is still released).
func (c *FakeConn) SetReleaseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseErr = err
}

// Transmit records the call.
func (c *FakeConn) Transmit(ctx context.Context, recipient, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrReleased
	}
	if c.transmitErr != nil {
		return c.transmitErr
	}
	c.transmits = append(c.transmits, Transmission{Recipient: recipient, Message: message})
	return nil
}

// Transmissions returns a copy of every successful Transmit.
func (c *FakeConn) Transmissions() []Transmission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transmission(nil), c.transmits...)
}

// Release marks the handle released.
func (c *FakeConn) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.releaseCalls++
	return c.releaseErr
}

// Released reports whether Release was called.
func (c *FakeConn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// ReleaseCalls returns how many times Release was called.
func (c *FakeConn) ReleaseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseCalls
}
