package supervisor

import "errors"

var (
	ErrAlreadyTransitioning = errors.New("supervisor: another start or stop is still in progress")
	ErrExitedDuringStartup  = errors.New("supervisor: process exited during startup")
	ErrTerminationTimeout   = errors.New("supervisor: process did not exit after terminate")
	ErrClosed               = errors.New("supervisor: closed")
)
