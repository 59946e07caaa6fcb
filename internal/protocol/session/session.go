package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed     = errors.New("session: closed")
	ErrAlreadyActive     = errors.New("session: already activated")
	ErrHandshakeInFlight = errors.New("session: handshake already in flight")
	ErrSessionDead       = errors.New("session: peer stopped answering pings")
)

// Handler receives application-visible session events. Callbacks run on the
// read pump goroutine and must not block for long; nil callbacks are skipped.
type Handler struct {
	OnMessage     func(msg []byte)
	OnPing        func()
	OnPong        func()
	OnServerHello func(id frame.SessionID)
	OnClientHello func()
	OnError       func(err error)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session binds the LDP protocol to one ordered byte stream.
//
// Decoding runs on a single goroutine: either the pump started by Activate or
// a caller feeding chunks with Feed, never both. Send, Ping and Greet may be
// called from any goroutine.
type Session struct {
	conn io.ReadWriter
	cfg  Config
	h    Handler
	log  zerolog.Logger

	dec *frame.Decoder

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID frame.SessionID
	hasID     bool
	rtt       time.Duration
	hasRTT    bool
	pings     *pingQueue
	greeting  *waiter
	closed    bool
	err       error

	active atomic.Bool
	done   chan struct{}
}

func New(conn io.ReadWriter, cfg Config, h Handler) *Session {
	cfg = cfg.WithDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "session").Str("conn", cfg.Name).Logger()
	return &Session{
		conn:  conn,
		cfg:   cfg,
		h:     h,
		log:   logger,
		dec:   frame.NewDecoder(cfg.Limits),
		pings: newPingQueue(),
		done:  make(chan struct{}),
	}
}

// Activate starts the read pump. It may be called once; cancelling ctx
// closes the transport when it implements io.Closer.
func (s *Session) Activate(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}
	if c, ok := s.conn.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		go func() {
			<-s.done
			stop()
		}()
	}
	go s.pump(ctx)
	return nil
}

func (s *Session) pump(ctx context.Context) {
	buf := make([]byte, s.cfg.ReadBufferSize)
	var err error
	stalled := false
	for {
		var n int
		n, err = s.conn.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				if s.cfg.StallOnDecodeError && errors.Is(ferr, frame.ErrUnknownType) {
					if !stalled {
						s.log.Warn().Err(ferr).Int("buffered", s.dec.Buffered()).Msg("stalled on undecodable input")
						stalled = true
					}
				} else {
					err = ferr
					break
				}
			}
		}
		if err != nil {
			break
		}
	}
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		err = nil
	}
	s.shutdown(err)
	close(s.done)
}

// Feed pushes one transport chunk through the decoder and dispatches every
// completed frame. It must not be called concurrently with itself or with
// an active pump.
//
// A decode error is reported to the Observer once, when it first occurs.
func (s *Session) Feed(chunk []byte) error {
	stalled := s.dec.Err() != nil
	out, derr := s.dec.Feed(chunk)
	for _, o := range out {
		if err := s.dispatch(o); err != nil {
			return err
		}
	}
	if derr != nil {
		if !stalled {
			s.cfg.Observer.DecodeFailed(derr)
		}
		return derr
	}
	return nil
}

func (s *Session) dispatch(o frame.Output) error {
	s.cfg.Observer.FrameReceived(o.Frame.Type)
	switch o.Frame.Type {
	case frame.TypeEnd:
		s.cfg.Observer.MessageReceived(len(o.Message))
		if s.h.OnMessage != nil {
			s.h.OnMessage(o.Message)
		}
	case frame.TypePing:
		if err := s.writeControl(frame.TypePong); err != nil {
			return fmt.Errorf("session: write pong: %w", err)
		}
		if s.h.OnPing != nil {
			s.h.OnPing()
		}
	case frame.TypePong:
		s.mu.Lock()
		w, ok := s.pings.pop()
		var rtt time.Duration
		if ok {
			rtt = s.recordRTTLocked(w.sentAt)
		}
		s.mu.Unlock()
		if ok {
			s.cfg.Observer.RTTMeasured(RTTKindPing, rtt)
			w.resolve(rtt, nil)
		} else {
			s.log.Debug().Msg("unsolicited pong")
		}
		if s.h.OnPong != nil {
			s.h.OnPong()
		}
	case frame.TypeServerHello:
		id, _ := o.Frame.SessionID()
		s.mu.Lock()
		s.sessionID = id
		s.hasID = true
		s.mu.Unlock()
		if err := s.writeControl(frame.TypeClientHello); err != nil {
			return fmt.Errorf("session: write client hello: %w", err)
		}
		s.log.Debug().Str("session_id", id.String()).Msg("server hello")
		if s.h.OnServerHello != nil {
			s.h.OnServerHello(id)
		}
	case frame.TypeClientHello:
		s.mu.Lock()
		w := s.greeting
		s.greeting = nil
		var rtt time.Duration
		if w != nil {
			rtt = s.recordRTTLocked(w.sentAt)
		}
		s.mu.Unlock()
		if w != nil {
			s.cfg.Observer.RTTMeasured(RTTKindHandshake, rtt)
			w.resolve(rtt, nil)
		}
		if s.h.OnClientHello != nil {
			s.h.OnClientHello()
		}
	}
	return nil
}

func (s *Session) recordRTTLocked(sentAt time.Time) time.Duration {
	rtt := s.cfg.Clock().Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	s.rtt = rtt
	s.hasRTT = true
	return rtt
}

// Send writes msg as DATA frames followed by END in a single transport write.
// No acknowledgment is awaited.
func (s *Session) Send(msg []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.write(frame.EncodeMessage(msg)); err != nil {
		return err
	}
	s.cfg.Observer.MessageSent(len(msg))
	return nil
}

// Ping sends PING and waits for the paired PONG, returning the measured RTT.
// Concurrent pings are queued and resolved in send order. There is no
// internal timeout; bound ctx if the peer may never answer.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return 0, ErrSessionClosed
	}
	w := newWaiter(s.cfg.Clock())
	s.pings.push(w)
	s.mu.Unlock()
	err := s.writeLocked([]byte{byte(frame.TypePing)})
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(err)
		return 0, err
	}
	return w.wait(ctx)
}

// Greet starts a handshake as the initiator: it picks a fresh session id,
// sends SERVER_HELLO and waits for CLIENT_HELLO. Only one greeting may be
// in flight per session.
func (s *Session) Greet(ctx context.Context) (time.Duration, error) {
	var id frame.SessionID
	if _, err := io.ReadFull(s.cfg.Rand, id[:]); err != nil {
		return 0, fmt.Errorf("session: generate session id: %w", err)
	}

	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return 0, ErrSessionClosed
	}
	if s.greeting != nil {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return 0, ErrHandshakeInFlight
	}
	w := newWaiter(s.cfg.Clock())
	s.greeting = w
	s.sessionID = id
	s.hasID = true
	s.mu.Unlock()
	hello, _ := frame.AppendControl(nil, frame.TypeServerHello, id)
	err := s.writeLocked(hello)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(err)
		return 0, err
	}

	rtt, err := w.wait(ctx)
	if err != nil {
		s.mu.Lock()
		if s.greeting == w {
			s.greeting = nil
		}
		s.mu.Unlock()
	}
	return rtt, err
}

// SessionID returns the id from the last SERVER_HELLO sent or received.
func (s *Session) SessionID() (frame.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.hasID
}

// RTT returns the last measured round trip, if any.
func (s *Session) RTT() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt, s.hasRTT
}

// PendingPings reports PINGs still waiting for a PONG.
func (s *Session) PendingPings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings.len()
}

// Done is closed when the read pump exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session; nil after a clean EOF.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the transport when it implements io.Closer and fails every
// outstanding wait.
func (s *Session) Close() error {
	s.shutdown(nil)
	if c, ok := s.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	pending := s.pings
	s.pings = newPingQueue()
	greeting := s.greeting
	s.greeting = nil
	s.mu.Unlock()

	pending.drain(ErrSessionClosed)
	if greeting != nil {
		greeting.resolve(0, ErrSessionClosed)
	}
	if cause != nil {
		s.log.Warn().Err(cause).Msg("session ended")
		if s.h.OnError != nil {
			s.h.OnError(cause)
		}
	} else {
		s.log.Debug().Msg("session closed")
	}
}

func (s *Session) writeControl(t frame.Type) error {
	b, err := frame.AppendControl(nil, t, frame.SessionID{})
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(b)
}

func (s *Session) writeLocked(b []byte) error {
	if d, ok := s.conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err := s.conn.Write(b)
	return err
}
