// ABOUTME: Chat-protocol engine contract used by the session coordinator
// ABOUTME: Connect starts a session asynchronously and reports progress through Callbacks

package engine

import (
	"context"
	"errors"
	"time"
)

// ErrReleased is returned by a Handle after Release.
var ErrReleased = errors.New("engine handle released")

// ErrUnknownLogin indicates no pending login matches a completion attempt.
var ErrUnknownLogin = errors.New("no pending login for client")

// ErrUnsupportedRecipient indicates the engine cannot address a recipient.
var ErrUnsupportedRecipient = errors.New("unsupported recipient")

// InboundMessage is a message observed by a live session.
type InboundMessage struct {
	ID        string
	From      string
	Chat      string
	Body      string
	Timestamp time.Time
}

// Callbacks receive asynchronous progress for one Connect call. They may be
// invoked from any goroutine, including before Connect returns, and must not
// block for long.
type Callbacks struct {
	// OnAuthChallenge delivers a payload the account owner must act on,
	// such as a QR code string or a login URL.
	OnAuthChallenge func(payload string)
	// OnReady reports the resolved account identity once authenticated.
	OnReady func(accountID string)
	// OnDisconnected reports that the session lost its connection.
	OnDisconnected func(reason string)
	// OnMessage reports an inbound message.
	OnMessage func(msg InboundMessage)
}

// Engine creates sessions against an external chat network.
type Engine interface {
	// Connect begins setup for clientID and returns immediately. Setup
	// failures after return surface only as the absence of OnReady.
	Connect(ctx context.Context, clientID string, cb Callbacks) (Handle, error)
}

// Handle is exclusively owned by one session.
type Handle interface {
	// Transmit sends a text message to an engine-addressable recipient.
	Transmit(ctx context.Context, recipient, message string) error
	// Release tears the session down. No callbacks fire afterwards.
	Release(ctx context.Context) error
}

// LoginCompleter is implemented by engines whose auth challenge is finished
// out of band, e.g. by an SSO redirect back to the gateway.
type LoginCompleter interface {
	CompleteLogin(ctx context.Context, clientID, nonce, token string) error
}
