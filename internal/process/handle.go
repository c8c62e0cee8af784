package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxLineBytes = 1 << 20
	defaultDrainTimeout = 500 * time.Millisecond
)

// Stream names the output pipe a line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one newline-delimited chunk of process output.
type Line struct {
	Stream Stream
	Text   string
}

// ExitKind classifies how a process ended.
type ExitKind string

const (
	ExitNormal  ExitKind = "normal"
	ExitKilled  ExitKind = "killed"
	ExitCrashed ExitKind = "crashed"
)

// ExitReason is delivered exactly once per Handle.
type ExitReason struct {
	Kind   ExitKind `json:"kind"`
	Code   int      `json:"code"`
	Detail string   `json:"detail,omitempty"`
}

func (r ExitReason) String() string {
	if r.Kind == ExitCrashed {
		return fmt.Sprintf("crashed(%d)", r.Code)
	}
	return string(r.Kind)
}

// Spec describes what to launch.
type Spec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// Options wires callbacks for output lines and the exit notification.
// OnLine is called from the reader goroutines and must not block for long.
type Options struct {
	OnLine       func(Line)
	OnExit       func(ExitReason)
	Logger       zerolog.Logger
	MaxLineBytes int
	DrainTimeout time.Duration
}

// Handle is one launched OS process and its output readers.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logger    zerolog.Logger
	onLine    func(Line)
	onExit    func(ExitReason)
	maxLine   int
	drain     time.Duration

	stdout *os.File
	stderr *os.File

	terminated atomic.Bool
	readers    sync.WaitGroup
	done       chan struct{}

	mu     sync.RWMutex
	exited bool
	reason ExitReason
}

// Launch spawns spec with no stdin and unbuffered output, and starts line capture.
func Launch(spec Spec, opts Options) (*Handle, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, newLaunchError(command, ErrCommandMissing)
	}

	cmd := exec.Command(command, spec.Args...)
	cmd.Dir = strings.TrimSpace(spec.Dir)
	cmd.Env = buildEnv(spec.Env)
	configureProcess(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, newLaunchError(command, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, newLaunchError(command, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, newLaunchError(command, err)
	}

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logger:    opts.Logger.With().Str("component", "process").Int("pid", cmd.Process.Pid).Logger(),
		onLine:    opts.OnLine,
		onExit:    opts.OnExit,
		maxLine:   opts.MaxLineBytes,
		drain:     opts.DrainTimeout,
		stdout:    stdoutR,
		stderr:    stderrR,
		done:      make(chan struct{}),
	}
	if h.maxLine <= 0 {
		h.maxLine = defaultMaxLineBytes
	}
	if h.drain <= 0 {
		h.drain = defaultDrainTimeout
	}

	h.readers.Add(2)
	go h.readLines(StreamStdout, stdoutR)
	go h.readLines(StreamStderr, stderrR)
	go h.waitForExit()

	h.logger.Debug().Str("command", command).Strs("args", spec.Args).Msg("process launched")
	return h, nil
}

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

func (h *Handle) Spec() Spec {
	return h.spec
}

// Done is closed after the exit notification has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exited
}

// Reason returns the exit reason once the process has been reaped.
func (h *Handle) Reason() (ExitReason, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reason, h.exited
}

// Terminate requests a graceful stop. Terminating an exited process is a no-op.
func (h *Handle) Terminate() error {
	if h == nil || h.Exited() {
		return nil
	}
	h.terminated.Store(true)
	if err := terminateProcess(h.cmd); err != nil {
		if errors.Is(err, os.ErrProcessDone) || h.Exited() {
			return nil
		}
		return fmt.Errorf("process: terminate pid=%d: %w", h.pid, err)
	}
	return nil
}

// Kill forcibly reclaims the process and its group.
func (h *Handle) Kill() error {
	if h == nil || h.Exited() {
		return nil
	}
	h.terminated.Store(true)
	if err := killProcess(h.cmd); err != nil {
		if errors.Is(err, os.ErrProcessDone) || h.Exited() {
			return nil
		}
		return fmt.Errorf("process: kill pid=%d: %w", h.pid, err)
	}
	return nil
}

// Wait blocks until the exit notification has been delivered or ctx ends.
func (h *Handle) Wait(ctx context.Context) (ExitReason, error) {
	select {
	case <-h.done:
		reason, _ := h.Reason()
		return reason, nil
	case <-ctx.Done():
		return ExitReason{}, ctx.Err()
	}
}

func (h *Handle) readLines(stream Stream, r *os.File) {
	defer h.readers.Done()
	defer r.Close()

	reader := bufio.NewReaderSize(r, min(64*1024, h.maxLine))
	var line []byte
	oversized := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > h.maxLine {
				oversized = true
				line = line[:0]
			}
		}

		partial := errors.Is(err, bufio.ErrBufferFull)
		if !partial && (len(line) > 0 || oversized) {
			if oversized {
				h.logger.Warn().Str("stream", string(stream)).Int("limit", h.maxLine).Msg("dropping oversized output line")
			} else if h.onLine != nil {
				h.onLine(Line{Stream: stream, Text: string(bytes.TrimRight(line, "\r\n"))})
			}
			line = line[:0]
			oversized = false
		}

		switch {
		case err == nil || partial:
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed):
			return
		default:
			h.logger.Warn().Str("stream", string(stream)).Err(err).Msg("process output read failed")
			return
		}
	}
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()
	reason := h.classifyExit(err)

	// Give the readers a bounded window to flush what the process wrote last.
	drained := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(h.drain):
		// Something left in the group still holds the pipes.
		h.logger.Debug().Msg("process output still open after exit; reaping group")
		_ = killProcess(h.cmd)
		_ = h.stdout.Close()
		_ = h.stderr.Close()
		<-drained
	}

	h.mu.Lock()
	h.exited = true
	h.reason = reason
	h.mu.Unlock()

	h.logger.Debug().Str("reason", reason.String()).Dur("uptime", time.Since(h.startedAt)).Msg("process exited")
	if h.onExit != nil {
		h.onExit(reason)
	}
	close(h.done)
}

func (h *Handle) classifyExit(err error) ExitReason {
	if err == nil {
		return ExitReason{Kind: ExitNormal, Code: 0}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitReason{Kind: ExitCrashed, Code: -1, Detail: err.Error()}
	}
	code := exitErr.ExitCode()
	switch {
	case code == 0:
		return ExitReason{Kind: ExitNormal, Code: 0}
	case h.terminated.Load():
		return ExitReason{Kind: ExitKilled, Code: code, Detail: exitErr.String()}
	default:
		return ExitReason{Kind: ExitCrashed, Code: code, Detail: exitErr.String()}
	}
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "PYTHONUNBUFFERED=1")
	for k, v := range extra {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		env = append(env, key+"="+v)
	}
	return env
}
