package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/danmuck/ldp/internal/transport"
	"github.com/rs/zerolog"
)

var ErrUnknownSession = errors.New("server: unknown session")

type liveSession struct {
	conn     transport.Conn
	sess     *session.Session
	openedAt time.Time
}

// SessionInfo is the in-memory view of one live session.
type SessionInfo struct {
	ConnID     string         `json:"conn_id"`
	Transport  string         `json:"transport"`
	RemoteAddr string         `json:"remote_addr"`
	SessionID  string         `json:"session_id,omitempty"`
	RTT        *time.Duration `json:"rtt,omitempty"`
	OpenedAt   time.Time      `json:"opened_at"`
}

// ledgerObserver forwards to the metrics observer and persists ping RTTs.
type ledgerObserver struct {
	session.Observer
	s      *Service
	connID string
}

func (o ledgerObserver) RTTMeasured(kind string, rtt time.Duration) {
	o.Observer.RTTMeasured(kind, rtt)
	if kind != session.RTTKindPing {
		return
	}
	if err := o.s.db.RecordRTT(context.Background(), o.connID, kind, rtt, o.s.now()); err != nil {
		o.s.log.Warn().Err(err).Str("conn", o.connID).Msg("record rtt")
	}
}

func (s *Service) handleConn(ctx context.Context, conn transport.Conn) {
	kind := string(conn.Kind())
	connID := conn.ID()
	remote := conn.RemoteAddr().String()
	logger := s.log.With().Str("conn", connID).Str("transport", kind).Str("remote", remote).Logger()

	openedAt := s.now()
	if err := s.db.OpenSession(ctx, connID, kind, remote, openedAt); err != nil {
		logger.Error().Err(err).Msg("ledger open failed; dropping connection")
		_ = conn.Close()
		return
	}
	s.metrics.SessionOpened(kind)
	defer s.metrics.SessionClosed(kind)

	cfg := s.cfg.SessionConfig()
	cfg.Name = connID
	cfg.Logger = &logger
	cfg.Clock = s.now
	cfg.Observer = ledgerObserver{Observer: s.metrics.ForTransport(kind), s: s, connID: connID}

	var sess *session.Session
	handler := session.Handler{
		OnError: func(err error) {
			logger.Debug().Err(err).Msg("session error")
		},
	}
	if s.cfg.Echo {
		handler.OnMessage = func(msg []byte) {
			if err := sess.Send(msg); err != nil {
				logger.Debug().Err(err).Msg("echo failed")
			}
		}
	}
	sess = session.New(conn, cfg, handler)

	live := &liveSession{conn: conn, sess: sess, openedAt: openedAt}
	s.track(connID, live)
	defer s.untrack(connID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sess.Activate(sessCtx); err != nil {
		s.finish(logger, connID, sess, err)
		return
	}
	logger.Info().Msg("session opened")

	if err := s.greet(sessCtx, logger, connID, kind, sess, cfg.HandshakeTimeout); err != nil {
		_ = sess.Close()
		<-sess.Done()
		s.finish(logger, connID, sess, err)
		return
	}

	keepAlive := make(chan error, 1)
	go func() { keepAlive <- sess.KeepAlive(sessCtx) }()

	var cause error
	select {
	case <-sess.Done():
		cause = sess.Err()
	case err := <-keepAlive:
		_ = sess.Close()
		<-sess.Done()
		cause = closeCause(err, sess.Err())
	}
	s.finish(logger, connID, sess, cause)
}

// closeCause picks the ledger close reason once KeepAlive has returned. A
// pump failure wins: KeepAlive reports it only as ErrSessionClosed.
func closeCause(keepAliveErr, sessErr error) error {
	if sessErr != nil {
		return sessErr
	}
	if errors.Is(keepAliveErr, session.ErrSessionDead) {
		return keepAliveErr
	}
	return nil
}

func (s *Service) greet(ctx context.Context, logger zerolog.Logger, connID, kind string, sess *session.Session, timeout time.Duration) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rtt, err := sess.Greet(hctx)
	s.metrics.Handshake(kind, err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return err
	}
	id, _ := sess.SessionID()
	if err := s.db.RecordHandshake(ctx, connID, id.String(), rtt, s.now()); err != nil {
		logger.Warn().Err(err).Msg("record handshake")
	}
	logger.Info().Str("session_id", id.String()).Dur("rtt", rtt).Msg("handshake complete")
	return nil
}

func (s *Service) finish(logger zerolog.Logger, connID string, sess *session.Session, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.db.CloseSession(context.Background(), connID, reason, s.now()); err != nil {
		logger.Warn().Err(err).Msg("ledger close")
	}
	if cause != nil {
		logger.Info().Err(cause).Msg("session closed")
		return
	}
	logger.Info().Msg("session closed")
}

func (s *Service) track(connID string, live *liveSession) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[connID] = live
}

func (s *Service) untrack(connID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, connID)
}

func (s *Service) closeAllSessions() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, live := range s.conns {
		_ = live.sess.Close()
	}
}

// ActiveSessions snapshots the live sessions.
func (s *Service) ActiveSessions() []SessionInfo {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]SessionInfo, 0, len(s.conns))
	for id, live := range s.conns {
		info := SessionInfo{
			ConnID:     id,
			Transport:  string(live.conn.Kind()),
			RemoteAddr: live.conn.RemoteAddr().String(),
			OpenedAt:   live.openedAt,
		}
		if sid, ok := live.sess.SessionID(); ok {
			info.SessionID = sid.String()
		}
		if rtt, ok := live.sess.RTT(); ok {
			info.RTT = &rtt
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

// Ping sends a PING on a live session and waits for its PONG.
func (s *Service) Ping(ctx context.Context, connID string) (time.Duration, error) {
	s.connsMu.Lock()
	live, ok := s.conns[connID]
	s.connsMu.Unlock()
	if !ok {
		return 0, ErrUnknownSession
	}
	return live.sess.Ping(ctx)
}
