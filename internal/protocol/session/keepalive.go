package session

import (
	"context"
	"errors"
	"time"
)

// KeepAlive pings the peer every HeartbeatInterval until ctx ends or the
// session closes. A PING left unanswered for SessionDeadAfter ends the loop
// with ErrSessionDead.
func (s *Session) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionDeadAfter)
		rtt, err := s.Ping(pingCtx)
		cancel()
		switch {
		case err == nil:
			s.log.Trace().Dur("rtt", rtt).Msg("keepalive")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			s.log.Warn().Dur("dead_after", s.cfg.SessionDeadAfter).Msg("keepalive timed out")
			return ErrSessionDead
		default:
			return err
		}
	}
}
