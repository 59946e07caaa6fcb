package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/ldp/internal/config"
	"github.com/danmuck/ldp/internal/logging"
	"github.com/danmuck/ldp/internal/observability"
	"github.com/danmuck/ldp/internal/store"
	"github.com/danmuck/ldp/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var ErrNotListening = errors.New("server: no listeners bound")

// Service is the ldpd runtime: transport listeners, one session per accepted
// connection, and the admin HTTP surface.
type Service struct {
	cfg     config.Daemon
	log     zerolog.Logger
	db      *store.DB
	metrics *observability.Metrics
	router  *gin.Engine
	now     func() time.Time

	appeared time.Time

	lnMu      sync.Mutex
	listeners []transport.Listener

	connsMu sync.Mutex
	conns   map[string]*liveSession

	wg sync.WaitGroup
}

func NewService(cfg config.Daemon, db *store.DB, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	s := &Service{
		cfg:      cfg,
		log:      logging.Component("ldpd").With().Str("node", cfg.Name).Logger(),
		db:       db,
		metrics:  metrics,
		now:      time.Now,
		appeared: time.Now(),
		conns:    make(map[string]*liveSession),
	}
	s.router = s.newRouter()
	return s
}

// Router exposes the admin HTTP handler.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run binds listeners and serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds every configured transport listener.
func (s *Service) Listen() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	bind := func(open func() (transport.Listener, error)) error {
		ln, err := open()
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.log.Info().Str("transport", string(ln.Kind())).Str("addr", ln.Addr().String()).Msg("listening")
		return nil
	}
	var err error
	if s.cfg.TCPAddr != "" {
		err = errors.Join(err, bind(func() (transport.Listener, error) {
			return transport.ListenTCP(s.cfg.TCPAddr)
		}))
	}
	if s.cfg.QUICAddr != "" {
		err = errors.Join(err, bind(func() (transport.Listener, error) {
			tlsConfig, err := transport.ServerTLSConfig(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			if err != nil {
				return nil, err
			}
			return transport.ListenQUIC(s.cfg.QUICAddr, tlsConfig)
		}))
	}
	if s.cfg.WSAddr != "" {
		err = errors.Join(err, bind(func() (transport.Listener, error) {
			return transport.ListenWebSocket(s.cfg.WSAddr, s.cfg.WSPath)
		}))
	}
	if err != nil {
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		s.listeners = nil
		return fmt.Errorf("server: listen: %w", err)
	}
	if len(s.listeners) == 0 {
		return ErrNotListening
	}
	return nil
}

// Addr reports the bound address of the listener for kind.
func (s *Service) Addr(kind transport.Kind) (string, bool) {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	for _, ln := range s.listeners {
		if ln.Kind() == kind {
			return ln.Addr().String(), true
		}
	}
	return "", false
}

// Serve runs accept loops on the bound listeners and the admin HTTP server
// until ctx ends, then waits for every session to finish.
func (s *Service) Serve(ctx context.Context) error {
	s.lnMu.Lock()
	listeners := append([]transport.Listener(nil), s.listeners...)
	s.lnMu.Unlock()
	if len(listeners) == 0 {
		return ErrNotListening
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(listeners)+1)
	for _, ln := range listeners {
		go func() { errs <- s.acceptLoop(ctx, ln) }()
	}
	running := len(listeners)
	if s.cfg.AdminAddr != "" {
		running++
		go func() { errs <- s.serveAdmin(ctx, s.cfg.AdminAddr) }()
	}

	var firstErr error
	for running > 0 {
		err := <-errs
		running--
		if err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	s.closeAllSessions()
	s.wg.Wait()
	s.log.Info().Msg("shutdown complete")
	return firstErr
}

func (s *Service) acceptLoop(ctx context.Context, ln transport.Listener) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("server: accept %s: %w", ln.Kind(), err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", addr).Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: admin: %w", err)
	}
	return nil
}
