// Package server runs the ldpd daemon: it accepts LDP connections over TCP,
// QUIC and WebSocket, drives one session per connection, records every
// session in the sqlite ledger and serves the admin HTTP API.
package server
