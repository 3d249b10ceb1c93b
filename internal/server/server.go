// Package server hosts battle sessions over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/config"
	"github.com/mbd888/agentbattle/internal/health"
	"github.com/mbd888/agentbattle/internal/logging"
	"github.com/mbd888/agentbattle/internal/ratelimit"
	"github.com/mbd888/agentbattle/internal/realtime"
	"github.com/mbd888/agentbattle/internal/security"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

const shutdownGrace = 15 * time.Second

// Server owns the session service and everything that serves it.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *battle.MemoryStore
	battles *battle.Service
	janitor *battle.Janitor
	hub     *realtime.Hub
	health  *health.Registry
	limiter *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server
	stop    context.CancelFunc // ends the loops launched by Start

	ready    atomic.Bool
	draining atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a server from cfg. Nothing runs until Start or Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	defaults, err := BattleDefaults(cfg)
	if err != nil {
		return nil, fmt.Errorf("battle defaults: %w", err)
	}

	s.store = battle.NewMemoryStore(cfg.MaxSessions)
	s.hub = realtime.NewHub(s.logger, realtime.WithCheckOrigin(security.WebSocketOrigin(cfg.CORSOrigins)))
	s.battles = battle.NewService(s.store, defaults, s.logger).WithObserver(s.hub)
	s.janitor = battle.NewJanitor(s.battles, cfg.SessionTTL, cfg.JanitorPeriod, s.logger)
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitRPS * 2,
	})

	s.health = health.NewRegistry()
	s.health.Register("janitor", health.Loop(s.janitor.Running))
	s.health.Register("realtime", health.Loop(s.hub.Running))
	s.health.Register("sessions", health.Capacity(s.store.Count, cfg.MaxSessions))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.useMiddleware()
	s.routes()

	s.logger.Info("battle defaults",
		"requester_stable", usdc.Compact(defaults.RequesterStable),
		"provider_stable", usdc.Compact(defaults.ProviderStable),
		"max_rounds", defaults.DefaultMaxRounds,
		"dispute_window", defaults.DefaultDisputeWindow,
	)
	return s, nil
}

// BattleDefaults converts the environment configuration into the settings
// new sessions start from. The simulated clock starts at the session's
// creation time.
func BattleDefaults(cfg *config.Config) (battle.Config, error) {
	req, err := usdc.ParseUnits(cfg.RequesterStableBalance, usdc.Decimals)
	if err != nil {
		return battle.Config{}, fmt.Errorf("requester balance: %w", err)
	}
	prov, err := usdc.ParseUnits(cfg.ProviderStableBalance, usdc.Decimals)
	if err != nil {
		return battle.Config{}, fmt.Errorf("provider balance: %w", err)
	}
	gas, err := usdc.ParseUnits(cfg.GasBalance, usdc.GasDecimals)
	if err != nil {
		return battle.Config{}, fmt.Errorf("gas balance: %w", err)
	}
	return battle.Config{
		RequesterStable:      req,
		ProviderStable:       prov,
		Gas:                  gas,
		DefaultMaxRounds:     cfg.DefaultMaxRounds,
		DefaultDeadline:      cfg.DefaultDeadline,
		DefaultDisputeWindow: cfg.DefaultDisputeWindow,
	}, nil
}

// Start launches the background loops without serving HTTP. Run calls it;
// tests use it directly.
func (s *Server) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	go s.hub.Run(ctx)
	go s.janitor.Start(ctx)
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
// The server reports ready once the port is bound.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	served := make(chan error, 1)
	go func() { served <- s.httpSrv.Serve(ln) }()
	s.ready.Store(true)
	s.logger.Info("server listening", "addr", ln.Addr().String(), "env", s.cfg.Env)

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Shutdown()
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Shutdown drains HTTP connections and stops the background loops.
func (s *Server) Shutdown() error {
	if s.draining.Swap(true) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("draining")

	if s.stop != nil {
		s.stop()
	}
	s.janitor.Stop()
	s.limiter.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	s.logger.Info("server stopped", "sessions", s.store.Count())
	return nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Battles returns the session service.
func (s *Server) Battles() *battle.Service {
	return s.battles
}
