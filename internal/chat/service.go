package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/msgwire/internal/config"
	"github.com/danmuck/msgwire/internal/observability"
	"github.com/danmuck/msgwire/internal/protocol/registry"
	"github.com/danmuck/msgwire/internal/protocol/session"
	"github.com/danmuck/msgwire/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Service accepts connections and runs one echoing messenger per
// connection.
type Service struct {
	cfg   config.Config
	log   zerolog.Logger
	scope *registry.Scope

	wg     sync.WaitGroup
	active atomic.Int64
	served atomic.Uint64
}

// Status is the service snapshot reported on /health.
type Status struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Active  int64  `json:"active_connections"`
	Served  uint64 `json:"served_connections"`
}

func NewService(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scope, err := Scope()
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, log: logger, scope: scope}, nil
}

func (s *Service) Status() Status {
	return Status{
		Network: string(s.cfg.Network),
		Address: s.cfg.Address,
		Active:  s.active.Load(),
		Served:  s.served.Load(),
	}
}

// Run listens on the configured network, plus the metrics address when set,
// and blocks until ctx is done or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.log.Info().Str("network", string(s.cfg.Network)).Str("addr", ln.Addr().String()).Msg("listening")

	g, ctx := errgroup.WithContext(ctx)
	switch s.cfg.Network {
	case config.NetworkWebSocket:
		srv := &http.Server{
			Handler:     s.WebSocketRouter(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error { return serveHTTP(ctx, srv, ln) })
	default:
		g.Go(func() error { return s.Serve(ctx, ln) })
	}

	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		mln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", addr, err)
		}
		s.log.Info().Str("addr", mln.Addr().String()).Msg("metrics_listening")
		srv := &http.Server{
			Handler: observability.NewRouter(s.cfg.Session.Name, s.log, func() any { return s.Status() }),
		}
		g.Go(func() error { return serveHTTP(ctx, srv, mln) })
	}

	err = g.Wait()
	s.wg.Wait()
	return err
}

// Serve accepts TCP connections on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			stream := transport.NewStream(conn)
			defer stream.Close()
			s.HandleConn(ctx, stream, stream.RemoteAddr())
		}()
	}
}

// WebSocketRouter serves the chat endpoint at the configured path.
func (s *Service) WebSocketRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.GET(s.cfg.Path, func(c *gin.Context) {
		// Registered before the upgrade: hijacked connections are not
		// tracked by http.Server.Shutdown.
		s.wg.Add(1)
		defer s.wg.Done()
		stream, err := transport.AcceptWebSocket(c.Request.Context(), c.Writer, c.Request, s.cfg.OriginPatterns)
		if err != nil {
			s.log.Warn().Err(err).Msg("websocket_accept_failed")
			return
		}
		defer stream.Close()
		s.HandleConn(c.Request.Context(), stream, stream.RemoteAddr())
	})
	return r
}

// HandleConn runs one messenger over conn, answering every message with
// Reply, until the peer goes away or ctx is done. conn is not closed.
func (s *Service) HandleConn(ctx context.Context, conn transport.Conn, remote string) {
	log := s.log.With().Str("remote", remote).Logger()
	m, err := session.New[Message](conn,
		session.WithConfig(s.cfg.Session),
		session.WithLogger(log),
		session.WithDefaultScope(s.scope),
	)
	if err != nil {
		log.Error().Err(err).Msg("messenger_create_failed")
		return
	}
	defer m.Close()

	sub := m.Subscribe()
	if err := m.StartExecuting(); err != nil {
		log.Error().Err(err).Msg("messenger_start_failed")
		return
	}
	active := s.active.Add(1)
	s.served.Add(1)
	log.Info().Str("messenger", m.ID()).Int64("active", active).Msg("client_connected")
	defer func() {
		remaining := s.active.Add(-1)
		res := sub.Result()
		log.Info().
			Str("state", res.State.String()).
			Err(res.Err).
			Int64("active", remaining).
			Msg("client_disconnected")
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if reply, ok := Reply(s.cfg.Session.Name, msg, time.Now()); ok {
				m.Send(reply)
			}
		case <-ctx.Done():
			m.StopExecuting()
			return
		}
	}
}

func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
