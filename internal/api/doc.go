// Package api implements the HTTP REST API and WebSocket server for the
// driver host.
//
// This package provides:
//   - REST endpoints for the driver roster (load, unload, reload)
//   - Field reads, writes and query-fields against loaded drivers
//   - Backdoor pass-through and per-driver verbosity
//   - WebSocket hub streaming field changes from the polling engine
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Channels
//
// WebSocket clients subscribe to "moniker.field" channels. Each channel
// holds one polling-engine subscription for as long as any client wants it,
// so the engine only queries fields somebody is watching.
//
// # Security
//
// With security.jwt.secret empty every caller is treated as admin. With a
// secret set, requests need "Authorization: Bearer <token>" and the role in
// the token decides what the caller may do (see package auth).
package api
