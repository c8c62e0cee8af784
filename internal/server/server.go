// Package server hosts the HTTP control API and the telemetry WebSocket.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/gamectl/internal/observability"
	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultWriteTimeout  = 5 * time.Second
	defaultPingInterval  = 20 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

const version = "0.1.0"

// Attacher hands out telemetry subscriptions. telemetry.Channel implements it.
type Attacher interface {
	Attach() *telemetry.Subscription
}

type Options struct {
	ID           string
	Addr         string
	CORSOrigins  []string
	Controller   supervisor.Controller
	Telemetry    Attacher
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       zerolog.Logger
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	controller   supervisor.Controller
	telemetry    Attacher
	writeTimeout time.Duration
	pingInterval time.Duration
	origins      []string
	logger       zerolog.Logger
	router       *gin.Engine
	upgrader     websocket.Upgrader
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	logger := opts.Logger.With().Str("component", "http").Logger()
	origins := normalizeOrigins(opts.CORSOrigins)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(corsConfig(origins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:           opts.ID,
		Addr:         opts.Addr,
		Appeared:     time.Now(),
		controller:   opts.Controller,
		telemetry:    opts.Telemetry,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		origins:      origins,
		logger:       logger,
		router:       r,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   s.controller != nil,
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/game")
	api.GET("", s.handleInfo)
	api.POST("", s.handleAction)
	api.POST("/actions/:action", s.handlePathAction)
	api.GET("/status", s.handleStatus)

	s.router.GET("/telemetry", s.handleTelemetry)
}

// Serve listens on Addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
