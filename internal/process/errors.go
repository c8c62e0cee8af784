package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"syscall"
)

var (
	ErrLaunch         = errors.New("process: launch failed")
	ErrCommandMissing = errors.New("process: command is required")
)

// LaunchCause classifies why a process failed to spawn.
type LaunchCause string

const (
	CauseNotFound          LaunchCause = "not_found"
	CausePermissionDenied  LaunchCause = "permission_denied"
	CauseResourceExhausted LaunchCause = "resource_exhausted"
	CauseUnknown           LaunchCause = "unknown"
)

// LaunchError reports a failed spawn. It matches ErrLaunch with errors.Is.
type LaunchError struct {
	Command string
	Cause   LaunchCause
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("process: launch %q failed (%s): %v", e.Command, e.Cause, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

func newLaunchError(command string, err error) *LaunchError {
	return &LaunchError{
		Command: strings.TrimSpace(command),
		Cause:   classifyLaunchError(err),
		Err:     err,
	}
}

func classifyLaunchError(err error) LaunchCause {
	switch {
	case err == nil:
		return CauseUnknown
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return CauseNotFound
	case errors.Is(err, fs.ErrPermission):
		return CausePermissionDenied
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.EMFILE):
		return CauseResourceExhausted
	default:
		return CauseUnknown
	}
}
