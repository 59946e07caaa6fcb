// Package transport adapts TCP, QUIC and WebSocket connections into the
// ordered byte streams that LDP sessions run on.
package transport
