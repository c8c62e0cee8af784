package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxInboundFrame = 4096

func (s *Server) handleTelemetry(c *gin.Context) {
	if s.telemetry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry unavailable"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.telemetry.Attach()
	defer sub.Detach()
	log := s.logger.With().Uint64("sub", sub.ID()).Str("remote", c.ClientIP()).Logger()
	log.Info().Msg("telemetry client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readTelemetryConn(conn, cancel)

	events := make(chan telemetry.Event)
	detached := make(chan error, 1)
	go func() {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				detached <- err
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				detached <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case e := <-events:
			data, err := e.Encode()
			if err != nil {
				log.Error().Err(err).Msg("encode telemetry event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Msg("telemetry write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				log.Warn().Err(err).Msg("telemetry ping failed")
				return
			}
		case err := <-detached:
			if errors.Is(err, telemetry.ErrDetached) {
				reason := string(sub.Reason())
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(s.writeTimeout))
				log.Info().Str("reason", reason).Msg("telemetry subscription ended")
			}
			return
		case <-ctx.Done():
			log.Info().Msg("telemetry client disconnected")
			return
		}
	}
}

// readTelemetryConn discards inbound frames and keeps the read deadline fresh on pong.
func (s *Server) readTelemetryConn(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	wait := 2 * s.pingInterval
	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("telemetry read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}
