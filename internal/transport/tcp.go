package transport

import (
	"context"
	"errors"
	"net"
)

type tcpConn struct {
	net.Conn
	id string
}

func (c *tcpConn) ID() string { return c.id }
func (c *tcpConn) Kind() Kind { return KindTCP }

type tcpListener struct {
	ln net.Listener
}

// ListenTCP listens for LDP sessions over plain TCP.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Accept waits for the next connection. Cancelling ctx closes the listener.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return &tcpConn{Conn: conn, id: newConnID()}, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Kind() Kind     { return KindTCP }
func (l *tcpListener) Close() error   { return l.ln.Close() }

// DialTCP connects to an LDP peer over TCP; ctx bounds the connect.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: conn, id: newConnID()}, nil
}
