package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/gin-gonic/gin"
)

// APIResponse is the body of every /api/game reply.
type APIResponse struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	PID       int              `json:"pid,omitempty"`
	Error     string           `json:"error,omitempty"`
	State     supervisor.State `json:"state,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	TimedOut  bool             `json:"timed_out,omitempty"`
}

type gameRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "game control API is running"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleAction(c *gin.Context) {
	var req gameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Message: "Invalid request", Error: err.Error()})
		return
	}
	s.dispatch(c, req.Action)
}

func (s *Server) handlePathAction(c *gin.Context) {
	s.dispatch(c, c.Param("action"))
}

func (s *Server) dispatch(c *gin.Context, action string) {
	// Transitions outlive the request so a dropped client never strands a half-started game.
	ctx := context.WithoutCancel(c.Request.Context())

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "start":
		res, err := s.controller.Start(ctx)
		if err != nil {
			c.JSON(statusFor(err), APIResponse{Success: false, Message: "Failed to start game", Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, APIResponse{
			Success:   true,
			Message:   "Game started",
			PID:       res.PID,
			State:     supervisor.StateRunning,
			SessionID: res.SessionID,
		})
	case "stop":
		res, err := s.controller.Stop(ctx)
		if err != nil {
			c.JSON(statusFor(err), APIResponse{Success: false, Message: "Failed to stop game", Error: err.Error()})
			return
		}
		msg := "Game stopped"
		if !res.WasRunning || res.TimedOut {
			msg = res.Message
		}
		c.JSON(http.StatusOK, APIResponse{Success: true, Message: msg, State: supervisor.StateIdle, TimedOut: res.TimedOut})
	case "status":
		st := s.controller.Status()
		c.JSON(http.StatusOK, APIResponse{
			Success:   true,
			Message:   "ok",
			PID:       st.PID,
			State:     st.State,
			SessionID: st.SessionID,
		})
	default:
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Message: "Invalid action",
			Error:   "Action must be either start or stop",
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyTransitioning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
