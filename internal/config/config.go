package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

// Daemon is the runtime configuration of ldpd.
type Daemon struct {
	Name              string
	TCPAddr           string
	QUICAddr          string
	WSAddr            string
	WSPath            string
	AdminAddr         string
	AdminToken        string
	DBPath            string
	TLSCertFile       string
	TLSKeyFile        string
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int
	CorsOrigins       []string
	Echo              bool
}

// Client is the runtime configuration of ldpctl.
type Client struct {
	Address            string
	Transport          string
	WSPath             string
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
	MaxConnectAttempts int
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxMessageBytes    int
}

func DefaultDaemon() Daemon {
	return Daemon{
		Name:              "ldpd",
		TCPAddr:           ":7400",
		QUICAddr:          ":7401",
		WSAddr:            ":7402",
		WSPath:            transport.DefaultWebSocketPath,
		AdminAddr:         "127.0.0.1:7410",
		DBPath:            "ldpd.db",
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxMessageBytes:   frame.DefaultLimits().MaxMessageBytes,
		CorsOrigins:       []string{"http://localhost:3000"},
		Echo:              true,
	}
}

func DefaultClient() Client {
	return Client{
		Address:            "127.0.0.1:7400",
		Transport:          string(transport.KindTCP),
		WSPath:             transport.DefaultWebSocketPath,
		ServerName:         "localhost",
		MaxConnectAttempts: 5,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxMessageBytes:    frame.DefaultLimits().MaxMessageBytes,
	}
}

// daemonFile is the ldpd config.toml key mapping.
type daemonFile struct {
	Name              string   `toml:"name"`
	TCPAddr           string   `toml:"tcp_addr"`
	QUICAddr          string   `toml:"quic_addr"`
	WSAddr            string   `toml:"ws_addr"`
	WSPath            string   `toml:"ws_path"`
	AdminAddr         string   `toml:"admin_addr"`
	AdminToken        string   `toml:"admin_token"`
	DBPath            string   `toml:"db_path"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	SessionDeadAfter  string   `toml:"session_dead_after"`
	HandshakeTimeout  string   `toml:"handshake_timeout"`
	WriteTimeout      string   `toml:"write_timeout"`
	MaxMessageBytes   int      `toml:"max_message_bytes"`
	CorsOrigins       []string `toml:"cors_origins"`
	Echo              bool     `toml:"echo"`
}

// clientFile is the ldpctl config.toml key mapping.
type clientFile struct {
	Address            string `toml:"address"`
	Transport          string `toml:"transport"`
	WSPath             string `toml:"ws_path"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	MaxMessageBytes    int    `toml:"max_message_bytes"`
}

// LoadDaemon overlays the keys present in path onto DefaultDaemon.
// Addresses set to "" disable that listener.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()

	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load ldpd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Daemon{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("quic_addr") {
		cfg.QUICAddr = strings.TrimSpace(raw.QUICAddr)
	}
	if meta.IsDefined("ws_addr") {
		cfg.WSAddr = strings.TrimSpace(raw.WSAddr)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	for key, dst := range map[string]struct {
		raw string
		out *time.Duration
	}{
		"heartbeat_interval": {raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		"session_dead_after": {raw.SessionDeadAfter, &cfg.SessionDeadAfter},
		"handshake_timeout":  {raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		"write_timeout":      {raw.WriteTimeout, &cfg.WriteTimeout},
	} {
		if !meta.IsDefined(key) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(dst.raw))
		if err != nil {
			return Daemon{}, fmt.Errorf("parse %s: %w", key, err)
		}
		*dst.out = d
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("echo") {
		cfg.Echo = raw.Echo
	}

	if err := cfg.Validate(); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

// LoadClient overlays the keys present in path onto DefaultClient.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load ldpctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Client{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("server_name") {
		cfg.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("insecure_skip_verify") {
		cfg.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Client{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return Client{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}

	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (d Daemon) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if d.TCPAddr == "" && d.QUICAddr == "" && d.WSAddr == "" {
		return fmt.Errorf("%w: at least one of tcp_addr, quic_addr, ws_addr is required", ErrInvalid)
	}
	if (d.TLSCertFile == "") != (d.TLSKeyFile == "") {
		return fmt.Errorf("%w: tls_cert_file and tls_key_file must be set together", ErrInvalid)
	}
	if d.WSAddr != "" && !strings.HasPrefix(d.WSPath, "/") {
		return fmt.Errorf("%w: ws_path must start with /", ErrInvalid)
	}
	if d.HeartbeatInterval <= 0 || d.SessionDeadAfter <= 0 || d.HandshakeTimeout <= 0 || d.WriteTimeout <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalid)
	}
	if d.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	}
	return nil
}

func (c Client) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must be >= 0", ErrInvalid)
	}
	if c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalid)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
