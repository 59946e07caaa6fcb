package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamPreamble announces the dialer's stream; QUIC only surfaces a stream
// to the peer once data is sent on it. The accept side consumes it.
const streamPreamble byte = 0xA5

// streamAcceptTimeout bounds how long a new connection may take to open its stream.
const streamAcceptTimeout = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// quicConn carries one LDP session on a single bidirectional stream.
type quicConn struct {
	*quic.Stream
	conn *quic.Conn
	id   string
}

func (c *quicConn) ID() string           { return c.id }
func (c *quicConn) Kind() Kind           { return KindQUIC }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Read reports a peer's graceful CloseWithError(0) as io.EOF.
func (c *quicConn) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		err = io.EOF
	}
	return n, err
}

func (c *quicConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	if cerr := c.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

type quicListener struct {
	ln    *quic.Listener
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

// ListenQUIC listens for LDP sessions over QUIC. tlsConfig must carry a
// certificate; ALPN is forced to ldp.
func ListenQUIC(addr string, tlsConfig *tls.Config) (Listener, error) {
	if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("transport: quic listener requires a certificate")
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = []string{ALPN}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	l := &quicListener{
		ln:    ln,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// acceptLoop waits for each connection's stream on its own goroutine so a
// peer that never opens one cannot hold up the others.
func (l *quicListener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			_ = l.Close()
			return
		}
		go l.handshake(ctx, conn)
	}
}

func (l *quicListener) handshake(ctx context.Context, conn *quic.Conn) {
	c, err := acceptStream(ctx, conn)
	if err != nil {
		_ = conn.CloseWithError(1, "bad stream")
		return
	}
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case c := <-l.conns:
		return c, nil
	}
}

func acceptStream(ctx context.Context, conn *quic.Conn) (*quicConn, error) {
	ctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	var pre [1]byte
	_ = stream.SetReadDeadline(time.Now().Add(streamAcceptTimeout))
	if _, err := io.ReadFull(stream, pre[:]); err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	if pre[0] != streamPreamble {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadPreamble, pre[0])
	}
	return &quicConn{Stream: stream, conn: conn, id: newConnID()}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Kind() Kind     { return KindQUIC }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// DialQUIC opens a QUIC connection and one stream to addr.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = ClientTLSConfig(DialOptions{}); err != nil {
			return nil, err
		}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: stream, conn: conn, id: newConnID()}, nil
}
