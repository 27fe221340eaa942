// Package api implements the HTTP REST API and WebSocket server for the
// Route-B bridge.
//
// This package provides:
//   - REST endpoints for bridge health, stored readings and the join session
//   - WebSocket hub broadcasting each decoded reading on "power.reading"
//   - Stateless JWT bearer authentication
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Security
//
// When security.jwt.secret is empty the API is open; this is intended for
// a bridge bound to localhost. Otherwise every route except /health needs
// an HS256 token. WebSocket clients may pass the token as ?token= because
// browsers cannot set headers on the upgrade request.
//
// # Graceful Degradation
//
// The server runs without the SQLite history store; the readings endpoints
// then answer 503 while health, session and WebSocket keep working.
package api
