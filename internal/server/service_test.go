package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ldp/internal/config"
	"github.com/danmuck/ldp/internal/observability"
	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/danmuck/ldp/internal/store"
	"github.com/danmuck/ldp/internal/testutil/testlog"
	"github.com/danmuck/ldp/internal/transport"
	"github.com/gin-gonic/gin"
)

func testConfig() config.Daemon {
	cfg := config.DefaultDaemon()
	cfg.Name = "ldpd-test"
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.QUICAddr = ""
	cfg.WSAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.HeartbeatInterval = time.Hour
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

type running struct {
	svc    *Service
	db     *store.DB
	cancel context.CancelFunc
	done   chan error
}

func startService(t *testing.T, cfg config.Daemon) *running {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(cfg, db, observability.NewMetrics())
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{svc: svc, db: db, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-r.done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
		db.Close()
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, r http.Handler, path string, want int, out any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != want {
		t.Fatalf("GET %s status=%d want %d body=%s", path, w.Code, want, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func TestEchoSessionOverEveryListener(t *testing.T) {
	testlog.Start(t)

	r := startService(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, kind := range []transport.Kind{transport.KindTCP, transport.KindWebSocket} {
		addr, ok := r.svc.Addr(kind)
		if !ok {
			t.Fatalf("%s listener not bound", kind)
		}
		conn, err := transport.Dial(ctx, kind, addr, transport.DialOptions{})
		if err != nil {
			t.Fatalf("dial %s: %v", kind, err)
		}
		hello := make(chan frame.SessionID, 1)
		echoes := make(chan []byte, 1)
		client := session.New(conn, session.Config{}, session.Handler{
			OnServerHello: func(id frame.SessionID) { hello <- id },
			OnMessage:     func(msg []byte) { echoes <- msg },
		})
		if err := client.Activate(ctx); err != nil {
			t.Fatalf("activate: %v", err)
		}

		var sid frame.SessionID
		select {
		case sid = <-hello:
		case <-ctx.Done():
			t.Fatalf("%s: no server hello", kind)
		}
		if err := client.Send([]byte("echo " + string(kind))); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case got := <-echoes:
			if string(got) != "echo "+string(kind) {
				t.Fatalf("%s: echo=%q", kind, got)
			}
		case <-ctx.Done():
			t.Fatalf("%s: no echo", kind)
		}

		waitFor(t, "handshake in ledger", func() bool {
			rows, err := r.db.ListSessions(ctx, 10)
			if err != nil {
				return false
			}
			for _, row := range rows {
				if row.SessionID == sid.String() && row.Transport == string(kind) {
					return true
				}
			}
			return false
		})

		live := r.svc.ActiveSessions()
		var connID string
		for _, info := range live {
			if info.SessionID == sid.String() {
				connID = info.ConnID
			}
		}
		if connID == "" {
			t.Fatalf("%s: live session %s not listed: %+v", kind, sid, live)
		}

		rtt, err := r.svc.Ping(ctx, connID)
		if err != nil || rtt < 0 {
			t.Fatalf("server ping rtt=%v err=%v", rtt, err)
		}
		var samples struct {
			Samples []store.RTTSample `json:"samples"`
		}
		waitFor(t, "ping sample", func() bool {
			getJSON(t, r.svc.Router(), "/sessions/"+connID+"/rtt", http.StatusOK, &samples)
			return len(samples.Samples) == 2 && samples.Samples[0].Kind == session.RTTKindPing
		})

		_ = client.Close()
		waitFor(t, "ledger close", func() bool {
			rows, _ := r.db.ListSessions(ctx, 10)
			for _, row := range rows {
				if row.ConnID == connID {
					return row.ClosedAt != nil
				}
			}
			return false
		})
	}
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	r := startService(t, cfg)
	addr, _ := r.svc.Addr(transport.KindTCP)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	hello := make([]byte, frame.ServerHelloLen)
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(hello); err != nil || hello[0] != byte(frame.TypeServerHello) {
		t.Fatalf("expected server hello, got %x err=%v", hello, err)
	}

	ctx := context.Background()
	waitFor(t, "handshake failure recorded", func() bool {
		rows, _ := r.db.ListSessions(ctx, 10)
		return len(rows) == 1 && rows[0].ClosedAt != nil && strings.Contains(rows[0].CloseReason, "deadline")
	})
	rows, _ := r.db.ListSessions(ctx, 10)
	if rows[0].SessionID != "" || rows[0].HandshakeRTT != nil {
		t.Fatalf("failed handshake must not be recorded: %+v", rows[0])
	}
}

func TestKeepAliveDropsSilentPeer(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SessionDeadAfter = 60 * time.Millisecond
	r := startService(t, cfg)
	addr, _ := r.svc.Addr(transport.KindTCP)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	hello := make([]byte, frame.ServerHelloLen)
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if _, err := raw.Write([]byte{byte(frame.TypeClientHello)}); err != nil {
		t.Fatalf("write client hello: %v", err)
	}

	ctx := context.Background()
	waitFor(t, "dead peer recorded", func() bool {
		rows, _ := r.db.ListSessions(ctx, 10)
		return len(rows) == 1 && rows[0].ClosedAt != nil &&
			strings.Contains(rows[0].CloseReason, session.ErrSessionDead.Error())
	})
}

func TestDecodeErrorReasonSurvivesKeepAlive(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	r := startService(t, cfg)
	addr, _ := r.svc.Addr(transport.KindTCP)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	hello := make([]byte, frame.ServerHelloLen)
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if _, err := raw.Write([]byte{byte(frame.TypeClientHello)}); err != nil {
		t.Fatalf("write client hello: %v", err)
	}

	ctx := context.Background()
	waitFor(t, "handshake recorded", func() bool {
		rows, _ := r.db.ListSessions(ctx, 10)
		return len(rows) == 1 && rows[0].SessionID != ""
	})
	if _, err := raw.Write([]byte{0xFF}); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	waitFor(t, "decode failure recorded", func() bool {
		rows, _ := r.db.ListSessions(ctx, 10)
		return len(rows) == 1 && rows[0].ClosedAt != nil
	})
	rows, _ := r.db.ListSessions(ctx, 10)
	if !strings.Contains(rows[0].CloseReason, "unknown frame type") {
		t.Fatalf("close reason=%q, want the decode error", rows[0].CloseReason)
	}
}

func TestCloseCausePrefersSessionError(t *testing.T) {
	testlog.Start(t)

	pumpErr := frame.ErrUnknownType
	cases := []struct {
		name      string
		keepAlive error
		sess      error
		want      error
	}{
		{name: "pump failure during keepalive", keepAlive: session.ErrSessionClosed, sess: pumpErr, want: pumpErr},
		{name: "dead peer", keepAlive: session.ErrSessionDead, sess: nil, want: session.ErrSessionDead},
		{name: "shutdown", keepAlive: context.Canceled, sess: nil, want: nil},
	}
	for _, tc := range cases {
		if got := closeCause(tc.keepAlive, tc.sess); got != tc.want {
			t.Fatalf("%s: closeCause=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestCORSAllowsAuthorizationHeader(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	cfg.CorsOrigins = []string{"http://localhost:3000"}
	router := NewService(cfg, nil, nil).Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(got), "authorization") {
		t.Fatalf("allow headers=%q", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	svc := NewService(testConfig(), db, nil)
	router := svc.Router()

	var health map[string]any
	getJSON(t, router, "/health", http.StatusOK, &health)
	if health["status"] != "ok" || health["node"] != "ldpd-test" {
		t.Fatalf("unexpected health: %+v", health)
	}

	var list struct {
		Sessions []store.SessionRecord `json:"sessions"`
	}
	getJSON(t, router, "/sessions", http.StatusOK, &list)
	if list.Sessions == nil || len(list.Sessions) != 0 {
		t.Fatalf("expected empty session list, got %+v", list.Sessions)
	}
	getJSON(t, router, "/sessions?limit=zero", http.StatusBadRequest, nil)
	getJSON(t, router, "/sessions/nope/rtt", http.StatusNotFound, nil)
	getJSON(t, router, "/metrics", http.StatusOK, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/nope/ping", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("ping unknown status=%d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("cors origin header=%q", got)
	}
}

func TestAdminTokenGuardsSessionRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	router := NewService(cfg, db, nil).Router()

	getJSON(t, router, "/health", http.StatusOK, nil)
	getJSON(t, router, "/sessions", http.StatusUnauthorized, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authorized list status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestListenRequiresAListener(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.TCPAddr, cfg.WSAddr = "", ""
	svc := NewService(cfg, nil, nil)
	if err := svc.Listen(); err != ErrNotListening {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
}
