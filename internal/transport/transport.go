package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Kind names the carrier under an LDP byte stream.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "ws"
)

var (
	ErrListenerClosed = errors.New("transport: listener closed")
	ErrUnknownKind    = errors.New("transport: unknown kind")
	ErrBadPreamble    = errors.New("transport: bad stream preamble")
)

// Conn is an ordered, reliable byte stream carrying one LDP session. Read
// chunk boundaries carry no meaning.
type Conn interface {
	io.ReadWriteCloser
	ID() string
	Kind() Kind
	RemoteAddr() net.Addr
}

// Listener accepts inbound Conns of one Kind.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Kind() Kind
	Close() error
}

// ParseKind accepts the config spellings of a transport kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "tcp":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	case "ws", "websocket":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// DialOptions configures Dial.
type DialOptions struct {
	// Path is the WebSocket request path.
	Path               string
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// Dial opens a client Conn of the given kind.
func Dial(ctx context.Context, kind Kind, addr string, opts DialOptions) (Conn, error) {
	switch kind {
	case KindTCP:
		return DialTCP(ctx, addr)
	case KindQUIC:
		tlsConfig, err := ClientTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		return DialQUIC(ctx, addr, tlsConfig)
	case KindWebSocket:
		return DialWebSocket(ctx, WebSocketURL(addr, opts.Path))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func newConnID() string {
	return uuid.NewString()
}
