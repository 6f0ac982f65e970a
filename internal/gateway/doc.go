// Package gateway orchestrates the session-gateway server components.
//
// # Overview
//
// The gateway package wires everything together: the presence store, the
// chat-protocol engine, the session Coordinator and Router, the event
// broadcaster, the HTTP server and the gRPC health server.
//
// # HTTP API
//
// The gateway exposes these endpoints in api.go:
//
//   - POST /initializeClient - Start or restart the session for {"clientId"}
//   - GET /clients - Presence snapshot keyed by account
//   - GET /userInfo/{accountId} - One presence record, or {}
//   - POST /sendMessage - Send {"sender", "to", "message"} through a ready session
//   - POST /logout/{clientId} - Mark a session disconnected
//   - DELETE /deleteClient/{clientId} - Release and forget a session
//   - GET /sessions - Registry snapshot
//   - GET /qr/{clientId} - Last auth challenge of a session
//   - GET /sso/callback - Complete an engine login challenge
//   - GET /audit - Lifecycle audit log (requires database.path)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (presence store reachable)
//
// Errors use the {"error": "message"} envelope.
//
// # Real-time channels
//
// GET /ws upgrades to a WebSocket and GET /events opens a Server-Sent Events
// stream. Both carry the same lifecycle events, encoded on the WebSocket as
//
//	{"event": "userLoggedIn", "data": {"clientId": "...", "accountId": "...", "timestamp": 1700000000000}}
//
// and on the SSE stream as
//
//	event: userLoggedIn
//	data: {"clientId": "...", "accountId": "...", "timestamp": 1700000000000}
//
// Event names: qr, userLoggedIn, userDisconnected, message. Delivery is best
// effort: a consumer that falls behind misses events.
//
// # gRPC health
//
// When server.grpc_addr is set (or tailscale is enabled) the standard
// grpc.health.v1 service is served. The service name "account/<accountId>"
// is SERVING while a session for that account is ready.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling ctx shuts the gateway down: servers stop, every engine session
// is released and the stores are closed.
package gateway
