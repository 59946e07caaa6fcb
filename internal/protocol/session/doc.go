// Package session owns the per-connection LDP state machine.
//
// Ownership boundary:
// - reassembly decoder and frame dispatch for one transport
// - handshake (SERVER_HELLO / CLIENT_HELLO) and keep-alive (PING / PONG)
// - message send, RTT bookkeeping, retry backoff for dialers
//
// Wire primitives live in internal/protocol/frame.
package session
