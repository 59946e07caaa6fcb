package session

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-session protocol and reliability settings.
type Config struct {
	// Name tags log lines, usually the transport connection id.
	Name              string
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	ReadBufferSize    int
	Limits            frame.Limits
	// StallOnDecodeError keeps the pump reading after an unknown frame tag
	// instead of ending the session. The decoder buffers everything it sees.
	StallOnDecodeError bool
	Backoff            BackoffConfig

	Clock    func() time.Time
	Rand     io.Reader
	Observer Observer
	Logger   *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		ReadBufferSize:    32 * 1024,
		Limits:            frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Clock: time.Now,
		Rand:  rand.Reader,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = d.SessionDeadAfter
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Rand == nil {
		c.Rand = d.Rand
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Observer receives protocol-level notifications for metrics.
type Observer interface {
	FrameReceived(t frame.Type)
	MessageReceived(size int)
	MessageSent(size int)
	RTTMeasured(kind string, rtt time.Duration)
	DecodeFailed(err error)
}

const (
	RTTKindPing      = "ping"
	RTTKindHandshake = "handshake"
)

type nopObserver struct{}

func (nopObserver) FrameReceived(frame.Type) {}
func (nopObserver) MessageReceived(int) {}
func (nopObserver) MessageSent(int) {}
func (nopObserver) RTTMeasured(string, time.Duration) {}
func (nopObserver) DecodeFailed(error) {}
