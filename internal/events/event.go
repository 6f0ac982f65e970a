// ABOUTME: Lifecycle event types published to real-time subscribers
// ABOUTME: Each event marshals to the {"event": name, "data": payload} wire frame

package events

import "time"

// Event names as seen by WebSocket and SSE consumers.
const (
	EventQR               = "qr"
	EventUserLoggedIn     = "userLoggedIn"
	EventUserDisconnected = "userDisconnected"
	EventMessage          = "message"
)

// Event is one lifecycle notification. Only Name and Data go on the wire;
// ClientID and Timestamp are kept for in-process consumers and logs.
type Event struct {
	Name      string    `json:"event"`
	Data      any       `json:"data"`
	ClientID  string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// QRPayload carries an auth challenge to present to the account owner.
type QRPayload struct {
	ClientID string `json:"clientId"`
	QR       string `json:"qr"`
}

// LoginPayload announces that a session became ready for an account.
// Timestamp is milliseconds since the Unix epoch.
type LoginPayload struct {
	ClientID  string `json:"clientId"`
	AccountID string `json:"accountId"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectPayload announces that a session lost its connection.
type DisconnectPayload struct {
	ClientID  string `json:"clientId"`
	AccountID string `json:"accountId"`
}

// MessagePayload reports an inbound message observed by a session.
type MessagePayload struct {
	ClientID string `json:"clientId"`
	From     string `json:"from"`
	Chat     string `json:"chat"`
	Body     string `json:"body"`
}

// NewQR builds a qr event.
func NewQR(clientID, challenge string, at time.Time) Event {
	return Event{
		Name:      EventQR,
		Data:      QRPayload{ClientID: clientID, QR: challenge},
		ClientID:  clientID,
		Timestamp: at,
	}
}

// NewUserLoggedIn builds a userLoggedIn event.
func NewUserLoggedIn(clientID, accountID string, at time.Time) Event {
	return Event{
		Name:      EventUserLoggedIn,
		Data:      LoginPayload{ClientID: clientID, AccountID: accountID, Timestamp: at.UnixMilli()},
		ClientID:  clientID,
		Timestamp: at,
	}
}

// NewUserDisconnected builds a userDisconnected event.
func NewUserDisconnected(clientID, accountID string, at time.Time) Event {
	return Event{
		Name:      EventUserDisconnected,
		Data:      DisconnectPayload{ClientID: clientID, AccountID: accountID},
		ClientID:  clientID,
		Timestamp: at,
	}
}

// NewMessage builds a message event.
func NewMessage(clientID, from, chat, body string, at time.Time) Event {
	return Event{
		Name:      EventMessage,
		Data:      MessagePayload{ClientID: clientID, From: from, Chat: chat, Body: body},
		ClientID:  clientID,
		Timestamp: at,
	}
}
