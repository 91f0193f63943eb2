// Package gateway orchestrates the readsync server components.
//
// # Overview
//
// The gateway package is the central coordinator of the readsync server. It
// owns and manages all major components: the SQLite store, the conversation
// service, the event broadcaster, the dedupe cache and the HTTP server.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/register - Create a participant account
//   - POST /api/login - Exchange credentials for a bearer token
//   - GET /api/conversations - List the caller's conversations
//   - POST /api/conversations - Create a conversation
//   - GET /api/conversations/{id}/messages - Message history
//   - POST /api/conversations/{id}/messages - Send a message
//   - POST /api/conversations/{id}/seen - Acknowledge the last message as seen
//   - GET /api/events?channel=X - Subscribe to a channel via SSE
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # SSE Streaming
//
// Events are streamed as Server-Sent Events:
//
//	event: conversation:update
//	data: {"id": "...", "messages": [...]}
//
//	event: message:update
//	data: {"id": "...", "seen_by": [...]}
//
// A caller may subscribe to their own address channel (private updates) or to
// the channel of a conversation they belong to (shared broadcasts).
//
// # Error Semantics
//
// Persistence failures fail the request. Publish failures after a successful
// write return the normal response with "publish_degraded": true - durable
// state is the source of truth, fan-out is best-effort.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and error mapping
//   - events.go: SSE streaming and channel entitlement
package gateway
