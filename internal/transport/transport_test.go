package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/danmuck/ldp/internal/testutil/testlog"
	"github.com/danmuck/ldp/internal/testutil/tlstest"
	"github.com/quic-go/quic-go"
)

// runEcho accepts one connection, greets it and echoes every message back.
func runEcho(ctx context.Context, t *testing.T, ln Listener) <-chan error {
	t.Helper()
	errs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errs <- err
			return
		}
		var s *session.Session
		s = session.New(conn, session.Config{Name: conn.ID()}, session.Handler{
			OnMessage: func(msg []byte) { _ = s.Send(msg) },
		})
		if err := s.Activate(ctx); err != nil {
			errs <- err
			return
		}
		_, err = s.Greet(ctx)
		errs <- err
		<-s.Done()
	}()
	return errs
}

func exerciseClient(ctx context.Context, t *testing.T, conn Conn, serverErrs <-chan error) {
	t.Helper()
	hello := make(chan struct{}, 1)
	echoes := make(chan []byte, 4)
	client := session.New(conn, session.Config{Name: conn.ID()}, session.Handler{
		OnServerHello: func(frame.SessionID) { hello <- struct{}{} },
		OnMessage:     func(msg []byte) { echoes <- msg },
	})
	if err := client.Activate(ctx); err != nil {
		t.Fatalf("activate client: %v", err)
	}
	defer client.Close()

	select {
	case <-hello:
	case <-ctx.Done():
		t.Fatalf("no server hello: %v", ctx.Err())
	}
	if err := <-serverErrs; err != nil {
		t.Fatalf("server greet: %v", err)
	}

	big := make([]byte, 200*1024)
	rand.New(rand.NewSource(5)).Read(big)
	for _, msg := range [][]byte{[]byte("hello"), big, {}} {
		if err := client.Send(msg); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case got := <-echoes:
			if !bytes.Equal(got, msg) {
				t.Fatalf("echo mismatch: len=%d want %d", len(got), len(msg))
			}
		case <-ctx.Done():
			t.Fatalf("no echo: %v", ctx.Err())
		}
	}
	rtt, err := client.Ping(ctx)
	if err != nil || rtt < 0 {
		t.Fatalf("ping rtt=%v err=%v", rtt, err)
	}
}

func TestTCPSessionRoundTrip(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverErrs := runEcho(ctx, t, ln)

	conn, err := Dial(ctx, KindTCP, ln.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if conn.Kind() != KindTCP || conn.ID() == "" {
		t.Fatalf("unexpected conn kind=%s id=%q", conn.Kind(), conn.ID())
	}
	exerciseClient(ctx, t, conn, serverErrs)
}

func TestWebSocketSessionRoundTrip(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenWebSocket("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverErrs := runEcho(ctx, t, ln)

	conn, err := Dial(ctx, KindWebSocket, ln.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	exerciseClient(ctx, t, conn, serverErrs)
}

func TestQUICSessionRoundTrip(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "ldp-test-ca")
	certPath, keyPath := ca.IssueLoopbackCert(t, dir)
	serverTLS, err := ServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenQUIC("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverErrs := runEcho(ctx, t, ln)

	conn, err := Dial(ctx, KindQUIC, ln.Addr().String(), DialOptions{ServerName: "localhost", CAFile: ca.CAFile()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	exerciseClient(ctx, t, conn, serverErrs)
}

func TestQUICSelfSignedRequiresSkipVerify(t *testing.T) {
	testlog.Start(t)

	serverTLS, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatalf("self-signed tls: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenQUIC("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if _, err := Dial(ctx, KindQUIC, ln.Addr().String(), DialOptions{ServerName: "localhost"}); err == nil {
		t.Fatalf("expected verification failure against a self-signed certificate")
	}
	serverErrs := runEcho(ctx, t, ln)
	conn, err := Dial(ctx, KindQUIC, ln.Addr().String(), DialOptions{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial insecure: %v", err)
	}
	exerciseClient(ctx, t, conn, serverErrs)
}

func TestQUICIdlePeerDoesNotBlockAccept(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "ldp-test-ca")
	certPath, keyPath := ca.IssueLoopbackCert(t, dir)
	serverTLS, err := ServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	ln, err := ListenQUIC("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	opts := DialOptions{ServerName: "localhost", CAFile: ca.CAFile()}
	clientTLS, err := ClientTLSConfig(opts)
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	// Handshakes but never opens a stream.
	idle, err := quic.DialAddr(context.Background(), ln.Addr().String(), clientTLS, nil)
	if err != nil {
		t.Fatalf("dial idle peer: %v", err)
	}
	defer idle.CloseWithError(0, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverErrs := runEcho(ctx, t, ln)
	conn, err := Dial(ctx, KindQUIC, ln.Addr().String(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	exerciseClient(ctx, t, conn, serverErrs)

	_ = ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	testlog.Start(t)

	ln, err := ListenWebSocket("127.0.0.1:0", "/x")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	_ = ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]Kind{"": KindTCP, "TCP": KindTCP, "quic": KindQUIC, "websocket": KindWebSocket, "ws": KindWebSocket} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", raw, got, err, want)
		}
	}
	if _, err := ParseKind("udp"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if got := WebSocketURL("127.0.0.1:9", ""); got != "ws://127.0.0.1:9/ldp" {
		t.Fatalf("WebSocketURL=%q", got)
	}
}
