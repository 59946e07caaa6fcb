package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/ldp/internal/testutil/testlog"
	"github.com/danmuck/ldp/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
name = "edge-a"
quic_addr = ""
heartbeat_interval = "2s"
session_dead_after = "6s"
max_message_bytes = 1024
cors_origins = [" http://a.test ", ""]
echo = false
`)
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultDaemon()
	if cfg.Name != "edge-a" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	if cfg.QUICAddr != "" {
		t.Fatalf("quic listener should be disabled, got %q", cfg.QUICAddr)
	}
	if cfg.TCPAddr != def.TCPAddr || cfg.WSAddr != def.WSAddr || cfg.AdminAddr != def.AdminAddr {
		t.Fatalf("undefined keys must keep defaults: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 2*time.Second || cfg.SessionDeadAfter != 6*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.HeartbeatInterval, cfg.SessionDeadAfter)
	}
	if cfg.HandshakeTimeout != def.HandshakeTimeout {
		t.Fatalf("unexpected handshake timeout: %v", cfg.HandshakeTimeout)
	}
	if cfg.MaxMessageBytes != 1024 || cfg.Echo {
		t.Fatalf("unexpected limits/echo: %d %v", cfg.MaxMessageBytes, cfg.Echo)
	}
	if !reflect.DeepEqual(cfg.CorsOrigins, []string{"http://a.test"}) {
		t.Fatalf("unexpected cors origins: %+v", cfg.CorsOrigins)
	}

	sc := cfg.SessionConfig()
	if sc.HeartbeatInterval != 2*time.Second || sc.Limits.MaxMessageBytes != 1024 {
		t.Fatalf("session config not mapped: %+v", sc)
	}
}

func TestLoadDaemonRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad duration":  `heartbeat_interval = "soon"`,
		"unknown key":   `tcp_adr = ":1"`,
		"no listeners":  "tcp_addr = \"\"\nquic_addr = \"\"\nws_addr = \"\"",
		"half tls":      `tls_cert_file = "cert.pem"`,
		"zero limit":    `max_message_bytes = 0`,
		"bad ws path":   `ws_path = "ldp"`,
		"malformed":     `name = `,
		"negative wait": `write_timeout = "-1s"`,
	}
	for name, body := range cases {
		if _, err := LoadDaemon(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadDaemon(writeConfig(t, `tcp_adr = ":1"`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown key should wrap ErrInvalid, got %v", err)
	}
	if _, err := LoadDaemon(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadClient(t *testing.T) {
	testlog.Start(t)

	cfg, err := LoadClient(writeConfig(t, `
address = "10.0.0.2:7401"
transport = "quic"
insecure_skip_verify = true
max_connect_attempts = 2
handshake_timeout = "750ms"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	kind, err := cfg.Kind()
	if err != nil || kind != transport.KindQUIC {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
	if cfg.MaxConnectAttempts != 2 || cfg.HandshakeTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
	opts := cfg.DialOptions()
	if !opts.InsecureSkipVerify || opts.ServerName != "localhost" || opts.Path != transport.DefaultWebSocketPath {
		t.Fatalf("unexpected dial options: %+v", opts)
	}

	if _, err := LoadClient(writeConfig(t, `transport = "udp"`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown transport, got %v", err)
	}
}

func TestTemplatesRoundTrip(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	daemonPath := filepath.Join(dir, "ldpd.toml")
	if err := WriteTemplate(daemonPath, "daemon", false); err != nil {
		t.Fatalf("write daemon template: %v", err)
	}
	if err := WriteTemplate(daemonPath, "daemon", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	d, err := LoadDaemon(daemonPath)
	if err != nil {
		t.Fatalf("load daemon template: %v", err)
	}
	if !reflect.DeepEqual(d, DefaultDaemon()) {
		t.Fatalf("daemon template drifted from defaults:\n%+v\n%+v", d, DefaultDaemon())
	}

	clientPath := filepath.Join(dir, "ldpctl.toml")
	if err := WriteTemplate(clientPath, "client", false); err != nil {
		t.Fatalf("write client template: %v", err)
	}
	c, err := LoadClient(clientPath)
	if err != nil {
		t.Fatalf("load client template: %v", err)
	}
	if !reflect.DeepEqual(c, DefaultClient()) {
		t.Fatalf("client template drifted from defaults:\n%+v\n%+v", c, DefaultClient())
	}

	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
