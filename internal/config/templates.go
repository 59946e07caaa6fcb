package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the defaults for kind ("daemon" or "client") as TOML.
func Template(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "ldpd":
		d := DefaultDaemon()
		v = daemonFile{
			Name:              d.Name,
			TCPAddr:           d.TCPAddr,
			QUICAddr:          d.QUICAddr,
			WSAddr:            d.WSAddr,
			WSPath:            d.WSPath,
			AdminAddr:         d.AdminAddr,
			AdminToken:        d.AdminToken,
			DBPath:            d.DBPath,
			TLSCertFile:       d.TLSCertFile,
			TLSKeyFile:        d.TLSKeyFile,
			HeartbeatInterval: d.HeartbeatInterval.String(),
			SessionDeadAfter:  d.SessionDeadAfter.String(),
			HandshakeTimeout:  d.HandshakeTimeout.String(),
			WriteTimeout:      d.WriteTimeout.String(),
			MaxMessageBytes:   d.MaxMessageBytes,
			CorsOrigins:       d.CorsOrigins,
			Echo:              d.Echo,
		}
	case "client", "ldpctl":
		c := DefaultClient()
		v = clientFile{
			Address:            c.Address,
			Transport:          c.Transport,
			WSPath:             c.WSPath,
			ServerName:         c.ServerName,
			CAFile:             c.CAFile,
			InsecureSkipVerify: c.InsecureSkipVerify,
			MaxConnectAttempts: c.MaxConnectAttempts,
			HandshakeTimeout:   c.HandshakeTimeout.String(),
			WriteTimeout:       c.WriteTimeout.String(),
			MaxMessageBytes:    c.MaxMessageBytes,
		}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
