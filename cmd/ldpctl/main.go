package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/ldp/internal/config"
	"github.com/danmuck/ldp/internal/logging"
	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/danmuck/ldp/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrConnectAttemptsExhausted = errors.New("ldpctl: connect attempts exhausted")

func main() {
	configPath := flag.String("config", "", "path to ldpctl config.toml")
	address := flag.String("addr", "", "override server address")
	kind := flag.String("transport", "", "override transport: tcp|quic|ws")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := loadConfig(*configPath, *address, *kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ldpctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ldpctl: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, address, kind string) (config.Client, error) {
	cfg := config.DefaultClient()
	if path != "" {
		loaded, err := config.LoadClient(path)
		if err != nil {
			return config.Client{}, err
		}
		cfg = loaded
	}
	if address != "" {
		cfg.Address = address
	}
	if kind != "" {
		cfg.Transport = kind
	}
	return cfg, cfg.Validate()
}

type dialFunc func(ctx context.Context) (transport.Conn, error)

// connect retries dial with backoff; maxAttempts <= 0 retries until ctx ends.
func connect(ctx context.Context, maxAttempts int, backoff session.BackoffConfig, dial dialFunc) (transport.Conn, error) {
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		delay := session.NextBackoffDelay(backoff, attempt, nil)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w after %d: %v", ErrConnectAttemptsExhausted, maxAttempts, lastErr)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format, args...)
}

// run dials the server, completes the handshake and then forwards stdin lines
// as messages. "/ping" measures an RTT, "/rtt" prints the last one and
// "/quit" exits.
func run(ctx context.Context, cfg config.Client, in io.Reader, out io.Writer) error {
	kind, err := cfg.Kind()
	if err != nil {
		return err
	}
	scfg := cfg.SessionConfig()
	conn, err := connect(ctx, cfg.MaxConnectAttempts, scfg.Backoff, func(ctx context.Context) (transport.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, scfg.ConnectTimeout)
		defer cancel()
		return transport.Dial(dctx, kind, cfg.Address, cfg.DialOptions())
	})
	if err != nil {
		return err
	}

	w := &syncWriter{w: out}
	hello := make(chan frame.SessionID, 1)
	sess := session.New(conn, scfg, session.Handler{
		OnMessage: func(msg []byte) { w.printf("< %s\n", msg) },
		OnServerHello: func(id frame.SessionID) {
			select {
			case hello <- id:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sess.Activate(ctx); err != nil {
		return err
	}
	defer sess.Close()

	timer := time.NewTimer(cfg.HandshakeTimeout)
	select {
	case id := <-hello:
		timer.Stop()
		w.printf("connected %s via %s session=%s\n", cfg.Address, kind, id)
	case <-timer.C:
		return fmt.Errorf("no server hello within %s", cfg.HandshakeTimeout)
	case <-sess.Done():
		timer.Stop()
		return fmt.Errorf("session ended before handshake: %v", sess.Err())
	case <-ctx.Done():
		timer.Stop()
		return nil
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), cfg.MaxMessageBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return sess.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/ping":
				pctx, pcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
				rtt, err := sess.Ping(pctx)
				pcancel()
				if err != nil {
					w.printf("ping failed: %v\n", err)
					continue
				}
				w.printf("rtt %s\n", rtt)
			case "/rtt":
				if rtt, ok := sess.RTT(); ok {
					w.printf("last rtt %s\n", rtt)
				} else {
					w.printf("no rtt yet\n")
				}
			default:
				if err := sess.Send([]byte(line)); err != nil {
					return err
				}
			}
		}
	}
}
