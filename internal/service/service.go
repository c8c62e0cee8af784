// Package service wires the supervisor, telemetry channel and transports into one daemon lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/gamectl/internal/admin"
	"github.com/danmuck/gamectl/internal/config"
	"github.com/danmuck/gamectl/internal/observability"
	"github.com/danmuck/gamectl/internal/process"
	"github.com/danmuck/gamectl/internal/server"
	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("service: invalid heartbeat interval")
	ErrHTTPAddrRequired         = errors.New("service: http addr required")
)

// ServiceConfig configures the gamectl daemon.
type ServiceConfig struct {
	ID                string
	HTTPAddr          string
	AdminAddr         string
	CORSOrigins       []string
	HeartbeatInterval time.Duration

	Launch            process.Spec
	GraceInterval     time.Duration
	ReadyLine         string
	StopTimeout       time.Duration
	KillTimeout       time.Duration
	TransitionTimeout time.Duration

	QueueLimit   int
	WriteTimeout time.Duration
	PingInterval time.Duration

	// ConfigPath, when set, is watched and its [launch] table hot-reloaded.
	ConfigPath    string
	WatchDebounce time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                config.DefaultID,
		HTTPAddr:          config.DefaultHTTPAddr,
		AdminAddr:         config.DefaultAdminAddr,
		CORSOrigins:       []string{"http://localhost:3000"},
		HeartbeatInterval: 30 * time.Second,
		GraceInterval:     supervisor.DefaultGraceInterval,
		StopTimeout:       supervisor.DefaultStopTimeout,
		KillTimeout:       supervisor.DefaultKillTimeout,
		TransitionTimeout: supervisor.DefaultTransitionTimeout,
		QueueLimit:        telemetry.DefaultQueueLimit,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		WatchDebounce:     250 * time.Millisecond,
	}
}

// LaunchSpec converts a config [launch] table to a process spec.
func LaunchSpec(cfg config.LaunchConfig) process.Spec {
	return process.Spec{
		Command: strings.TrimSpace(cfg.Command),
		Args:    append([]string(nil), cfg.Args...),
		Env:     cloneEnv(cfg.Env),
		Dir:     strings.TrimSpace(cfg.Dir),
	}
}

// Service runs the gamectl lifecycle as a standalone process.
type Service struct {
	cfg        ServiceConfig
	logger     zerolog.Logger
	channel    *telemetry.Channel
	supervisor *supervisor.Supervisor
	http       *server.Server
	admin      *admin.Server

	httpLn  net.Listener
	adminLn net.Listener
	ready   chan struct{}
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	logger := log.Logger.With().Str("node", cfg.ID).Logger()
	metrics := observability.NewMetrics(cfg.ID)

	channel := telemetry.NewChannel(telemetry.Options{
		QueueLimit: cfg.QueueLimit,
		Logger:     logger,
		Metrics:    metrics,
	})
	sup := supervisor.New(supervisor.Config{
		Launch:            cfg.Launch,
		GraceInterval:     cfg.GraceInterval,
		ReadyLine:         cfg.ReadyLine,
		StopTimeout:       cfg.StopTimeout,
		KillTimeout:       cfg.KillTimeout,
		TransitionTimeout: cfg.TransitionTimeout,
		Logger:            logger,
		Publisher:         channel,
		Metrics:           metrics,
	})
	return &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "service").Logger(),
		channel:    channel,
		supervisor: sup,
		http: server.New(server.Options{
			ID:           cfg.ID,
			Addr:         cfg.HTTPAddr,
			CORSOrigins:  cfg.CORSOrigins,
			Controller:   sup,
			Telemetry:    channel,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
			Logger:       logger,
		}),
		admin: admin.NewServer(admin.Options{
			Controller: sup,
			Telemetry:  channel,
			Logger:     logger,
		}),
		ready: make(chan struct{}),
	}
}

// Run blocks until SIGINT or SIGTERM, then stops the game and shuts down.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

func (s *Service) Telemetry() *telemetry.Channel {
	return s.channel
}

// Ready is closed once listeners are bound.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr is the bound HTTP address once Ready is closed.
func (s *Service) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// AdminAddr is the bound admin address once Ready is closed, or "" when disabled.
func (s *Service) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if strings.TrimSpace(s.cfg.HTTPAddr) == "" {
		return ErrHTTPAddrRequired
	}
	if strings.TrimSpace(s.cfg.Launch.Command) == "" {
		s.logger.Warn().Msg("no launch command configured; start will fail until one is set")
	}

	httpLn, err := net.Listen("tcp", strings.TrimSpace(s.cfg.HTTPAddr))
	if err != nil {
		return fmt.Errorf("service: http listen: %w", err)
	}
	s.httpLn = httpLn
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("service: admin listen: %w", err)
		}
		s.adminLn = adminLn
	}

	s.logger.Info().
		Str("http_addr", s.HTTPAddr()).
		Str("admin_addr", s.AdminAddr()).
		Str("command", s.cfg.Launch.Command).
		Msg("gamectl ready")
	close(s.ready)
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.http.ServeListener(gctx, s.httpLn)
	})
	if s.adminLn != nil {
		g.Go(func() error {
			return s.admin.ServeListener(gctx, s.adminLn)
		})
	}
	if path := strings.TrimSpace(s.cfg.ConfigPath); path != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, path, s.cfg.WatchDebounce, s.logger, s.reloadLaunch); err != nil {
				// Hot reload is optional; the daemon keeps serving.
				s.logger.Warn().Err(err).Msg("config watch disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutdown")
			return
		case <-ticker.C:
			st := s.supervisor.Status()
			stats := s.channel.Stats()
			s.logger.Info().
				Str("state", string(st.State)).
				Int("pid", st.PID).
				Bool("subscribed", stats.Subscribed).
				Uint64("published", stats.Published).
				Uint64("dropped", stats.Dropped).
				Int64("admin_clients", s.admin.ActiveClients()).
				Msg("heartbeat")
		}
	}
}

func (s *Service) reloadLaunch() {
	launch, err := config.LoadLaunch(s.cfg.ConfigPath)
	if err != nil {
		s.logger.Warn().Err(err).Msg("config reload rejected; keeping current launch spec")
		return
	}
	s.supervisor.SetLaunchSpec(LaunchSpec(launch))
}

func (s *Service) shutdown() {
	budget := s.cfg.StopTimeout + s.cfg.KillTimeout + time.Second
	if budget <= time.Second {
		budget = supervisor.DefaultStopTimeout + supervisor.DefaultKillTimeout + time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := s.supervisor.Close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("supervisor close failed")
	}
	s.channel.Close()
}

func cloneEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
