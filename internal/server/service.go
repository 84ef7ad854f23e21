package server

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/transposectl/internal/logging"
	"github.com/danmuck/transposectl/internal/observability"
	"github.com/danmuck/transposectl/internal/protocol/frame"
	"github.com/danmuck/transposectl/internal/protocol/upload"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

var (
	ErrListenAddrRequired = errors.New("server: listen address required")
	ErrInvalidMaxClients  = errors.New("server: invalid max clients")
)

// DefaultListenAddr is the port both ends agree on when nothing is configured.
const DefaultListenAddr = ":12345"

// ServiceConfig configures the compute service.
type ServiceConfig struct {
	ListenAddr string
	// MaxClients caps concurrently served connections; 0 means unlimited.
	MaxClients        int
	ReuseAddr         bool
	Limits            upload.Limits
	HeartbeatInterval time.Duration
	// MetricsAddr serves Prometheus metrics at /metrics when set.
	MetricsAddr string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: DefaultListenAddr,
		MaxClients: 0,
		ReuseAddr:  true,
		Limits: upload.Limits{
			MaxDim:     4096,
			MaxConfigs: 64,
		},
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.MaxClients < 0 {
		return ErrInvalidMaxClients
	}
	return nil
}

// Service accepts connections and runs one session per connection.
type Service struct {
	cfg         ServiceConfig
	log         zerolog.Logger
	clientCount atomic.Int64
	sessionSeq  atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	return &Service{
		cfg:   cfg,
		log:   logging.Component("server"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Run listens on the configured address and serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		go func() {
			if err := observability.Serve(ctx, addr, s.log); err != nil {
				s.log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
	}
	return s.Serve(ctx, ln)
}

// Listen opens the TCP listener with the configured socket options and cap.
func (s *Service) Listen(ctx context.Context) (net.Listener, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{}
	if s.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(ctx, "tcp", strings.TrimSpace(s.cfg.ListenAddr))
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}
	return ln, nil
}

// Serve accepts on ln until ctx is done, then closes live connections and
// waits for their handlers to exit.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_clients", s.cfg.MaxClients).
		Int("frame_size", frame.Size).
		Msg("listening")

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stopped:
		}
	}()
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeat(ctx, stopped)
	}

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = err
			}
			break
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.log.Info().Msg("shutdown")
	return acceptErr
}

func (s *Service) ActiveClients() int64 {
	return s.clientCount.Load()
}

// handleConn runs one session from accept to close.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	remote := remoteAddr(conn)
	id := s.sessionSeq.Add(1)
	logger := s.log.With().Str("remote", remote).Uint64("session", id).Logger()
	active := s.clientCount.Add(1)
	observability.RecordConnection(active)
	logger.Info().Int64("active_clients", active).Msg("client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		observability.RecordDisconnect(remaining)
		logger.Info().Int64("active_clients", remaining).Msg("client disconnected")
	}()

	h := newConnHandler(conn, s.cfg.Limits, logger)
	if err := h.serve(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn().Err(err).Msg("connection closed on error")
	}
}

func (s *Service) heartbeat(ctx context.Context, stopped <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			return
		case <-ticker.C:
			s.log.Info().
				Int64("active_clients", s.ActiveClients()).
				Uint64("sessions_total", s.sessionSeq.Load()).
				Msg("heartbeat")
		}
	}
}

func (s *Service) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Service) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
