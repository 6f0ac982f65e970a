// Package session owns the lifecycle of chat-protocol sessions.
//
// # Overview
//
// A Session is one connection to one external chat account, identified by
// an operator-chosen client identifier. The Registry holds every live
// Session. The Coordinator is the only writer of session state. The Router
// delivers outbound messages through ready sessions.
//
// # State machine
//
//	Initializing -> AwaitingAuth -> Ready -> Disconnected
//
// Any state moves to Destroyed on deletion or re-initialization. In
// single-shot mode a Disconnected session is removed from the Registry at
// once; otherwise it stays and may authenticate again.
//
// # Concurrency
//
// Every client identifier has a mailbox: a FIFO queue drained by at most one
// goroutine. Operator requests (Initialize, Logout, DeleteSession) and
// engine callbacks are both queued there, so all transitions for one client
// are serialized while different clients proceed in parallel.
//
// Each Session carries an epoch. Engine callbacks are tagged with the epoch
// of the session that registered them and are discarded if the registered
// session has since been replaced.
//
// Inside one mailbox step the in-memory transition happens first; presence
// writes and event publishing follow and are best effort. A presence store
// failure is logged and never rolls the transition back.
//
// # Invariants
//
//   - At most one non-destroyed Session per client identifier.
//   - At most one Ready Session per account. When a second client becomes
//     ready for an account, the earlier one is disconnected and retired.
package session
