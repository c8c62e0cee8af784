package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/rs/zerolog"
)

const defaultIdleTimeout = 30 * time.Second

// StatsSource reports telemetry channel counters. telemetry.Channel implements it.
type StatsSource interface {
	Stats() telemetry.Stats
}

type Options struct {
	Controller  supervisor.Controller
	Telemetry   StatsSource
	IdleTimeout time.Duration
	Logger      zerolog.Logger
}

type Server struct {
	controller  supervisor.Controller
	telemetry   StatsSource
	idleTimeout time.Duration
	logger      zerolog.Logger
	clientCount atomic.Int64
}

func NewServer(opts Options) *Server {
	s := &Server{
		controller:  opts.Controller,
		telemetry:   opts.Telemetry,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger.With().Str("component", "admin").Logger(),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	return s
}

func (s *Server) ActiveClients() int64 {
	return s.clientCount.Load()
}

// Serve listens on addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn decodes one request per line and writes one response per line.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	s.logger.Info().Str("remote", remote).Int64("active_clients", active).Msg("admin client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		s.logger.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("admin client disconnected")
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Warn().Str("remote", remote).Err(err).Msg("admin read failed")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeLine(conn, Response{OK: false, Error: err.Error()})
			continue
		}
		resp := s.handleRequest(ctx, req)
		if err := writeLine(conn, resp); err != nil {
			s.logger.Warn().Str("remote", remote).Err(err).Msg("admin write failed")
			return
		}
	}
}

// handleRequest dispatches one admin action to the controller.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	action := strings.ToLower(strings.TrimSpace(req.Action))
	s.logger.Debug().Str("action", action).Msg("admin request")
	switch action {
	case ActionStart:
		res, err := s.controller.Start(ctx)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Data: res}
	case ActionStop:
		res, err := s.controller.Stop(ctx)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Data: res}
	case ActionStatus:
		return Response{OK: true, Data: s.controller.Status()}
	case ActionTelemetry:
		if s.telemetry == nil {
			return Response{OK: false, Error: "telemetry stats unavailable"}
		}
		return Response{OK: true, Data: s.telemetry.Stats()}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}
