package config

import (
	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/danmuck/ldp/internal/transport"
)

// SessionConfig maps daemon settings onto per-connection session settings.
func (d Daemon) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HandshakeTimeout = d.HandshakeTimeout
	cfg.WriteTimeout = d.WriteTimeout
	cfg.HeartbeatInterval = d.HeartbeatInterval
	cfg.SessionDeadAfter = d.SessionDeadAfter
	cfg.Limits = frame.Limits{MaxMessageBytes: d.MaxMessageBytes}
	return cfg
}

func (c Client) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Name = c.Address
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.Limits = frame.Limits{MaxMessageBytes: c.MaxMessageBytes}
	return cfg
}

func (c Client) Kind() (transport.Kind, error) {
	return transport.ParseKind(c.Transport)
}

func (c Client) DialOptions() transport.DialOptions {
	return transport.DialOptions{
		Path:               c.WSPath,
		ServerName:         c.ServerName,
		CAFile:             c.CAFile,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}
