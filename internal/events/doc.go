// Package events defines the lifecycle events emitted by the session
// coordinator and the in-memory broadcaster that fans them out.
//
// # Events
//
//   - qr: an auth challenge is waiting for the account owner
//   - userLoggedIn: a session became ready for an account
//   - userDisconnected: a session lost its connection
//   - message: an inbound message was observed
//
// Each Event marshals to the wire frame used by WebSocket and SSE consumers:
//
//	{"event": "userLoggedIn", "data": {"clientId": "...", "accountId": "...", "timestamp": 1700000000000}}
//
// # Delivery
//
// Delivery is best effort. Each subscriber has a bounded buffer and misses
// events while it is full. There is no replay for late subscribers.
package events
