package supervisor

import (
	"context"
	"time"

	"github.com/danmuck/gamectl/internal/process"
	"github.com/danmuck/gamectl/internal/telemetry"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Controller is the control surface transports depend on.
type Controller interface {
	Start(ctx context.Context) (StartResult, error)
	Stop(ctx context.Context) (StopResult, error)
	Status() Status
}

// Publisher receives parsed telemetry. telemetry.Channel implements it.
type Publisher interface {
	Publish(telemetry.Event) bool
}

// Metrics receives lifecycle observations. observability.Metrics implements it.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveExit(kind string, solicited bool)
	ObserveStart(duration time.Duration, success bool)
}

// ExitReport records how a session's process ended.
type ExitReport struct {
	SessionID string             `json:"session_id"`
	PID       int                `json:"pid"`
	Reason    process.ExitReason `json:"reason"`
	At        time.Time          `json:"at"`
}

type StartResult struct {
	PID       int         `json:"pid"`
	SessionID string      `json:"session_id"`
	StartedAt time.Time   `json:"started_at"`
	PriorExit *ExitReport `json:"prior_exit,omitempty"`
}

type StopResult struct {
	WasRunning bool        `json:"was_running"`
	Message    string      `json:"message"`
	Exit       *ExitReport `json:"exit,omitempty"`
	TimedOut   bool        `json:"timed_out,omitempty"`
}

// Status is a read-only snapshot of the supervisor.
type Status struct {
	State     State       `json:"state"`
	PID       int         `json:"pid,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	LastExit  *ExitReport `json:"last_exit,omitempty"`
}
