// Package engine defines the chat-protocol engine contract and its
// implementations.
//
// # Contract
//
// Engine.Connect starts one session and returns a Handle straight away. The
// engine then reports progress through Callbacks:
//
//	OnAuthChallenge -> OnReady -> OnDisconnected
//
// Callbacks never fire after Handle.Release.
//
// # Implementations
//
//   - Matrix: logs in through the homeserver's SSO login-token flow. The
//     challenge payload is the SSO redirect URL; the homeserver sends the
//     browser back to {callback_url}/sso/callback with a loginToken, which the
//     gateway hands to CompleteLogin. Access tokens are kept in a
//     store.CredentialStore so restarts resume without a new challenge.
//   - Fake: a scripted in-memory engine used by tests and by the
//     engine.kind "fake" configuration for local development.
package engine
