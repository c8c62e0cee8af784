package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gamectl/internal/process"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultGraceInterval     = time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultKillTimeout       = 2 * time.Second
	DefaultTransitionTimeout = 30 * time.Second
)

const messageNotRunning = "was not running"

type Config struct {
	Launch            process.Spec
	GraceInterval     time.Duration
	ReadyLine         string
	StopTimeout       time.Duration
	KillTimeout       time.Duration
	TransitionTimeout time.Duration

	Logger    zerolog.Logger
	Publisher Publisher
	Metrics   Metrics
}

func DefaultConfig() Config {
	return Config{
		GraceInterval:     DefaultGraceInterval,
		StopTimeout:       DefaultStopTimeout,
		KillTimeout:       DefaultKillTimeout,
		TransitionTimeout: DefaultTransitionTimeout,
		Logger:            zerolog.Nop(),
	}
}

func (c Config) withDefaults() Config {
	if c.GraceInterval <= 0 {
		c.GraceInterval = DefaultGraceInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = DefaultTransitionTimeout
	}
	c.ReadyLine = strings.TrimSpace(c.ReadyLine)
	return c
}

// session is the runtime record of one game run. Fields other than id and
// ready are guarded by Supervisor.mu.
type session struct {
	id        string
	state     State
	handle    *process.Handle
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Supervisor owns at most one game process at a time.
type Supervisor struct {
	cfg       Config
	logger    zerolog.Logger
	publisher Publisher
	metrics   Metrics

	// control is a single-slot semaphore serializing Start, Stop and Close.
	control chan struct{}

	mu       sync.RWMutex
	spec     process.Spec
	current  *session
	lastExit *ExitReport
	closed   bool
}

func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "supervisor").Logger(),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		control:   make(chan struct{}, 1),
		spec:      cfg.Launch,
	}
}

// SetLaunchSpec replaces the launch target for the next Start. A running session is untouched.
func (s *Supervisor) SetLaunchSpec(spec process.Spec) {
	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()
	s.logger.Info().Str("command", spec.Command).Strs("args", spec.Args).Msg("launch spec updated")
}

func (s *Supervisor) LaunchSpec() process.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// Start launches the game, tearing down any existing session first.
// It returns once the ready line is seen or the grace interval has passed.
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	begin := time.Now()
	res, err := s.start(ctx)
	if s.metrics != nil {
		s.metrics.ObserveStart(time.Since(begin), err == nil)
	}
	return res, err
}

func (s *Supervisor) start(ctx context.Context) (StartResult, error) {
	if err := s.acquire(ctx); err != nil {
		return StartResult{}, err
	}
	defer s.release()

	s.mu.RLock()
	prev, closed := s.current, s.closed
	s.mu.RUnlock()
	if closed {
		return StartResult{}, ErrClosed
	}
	if prev != nil {
		s.logger.Info().Str("session", prev.id).Msg("replacing running session")
		s.stopSession(ctx, prev)
	}

	sess := &session{
		id:    uuid.NewString(),
		state: StateStarting,
		ready: make(chan struct{}),
	}
	s.mu.Lock()
	spec := s.spec
	prior := s.lastExit
	s.current = sess
	s.mu.Unlock()
	s.observeTransition(sess, StateIdle, StateStarting)

	h, err := process.Launch(spec, process.Options{
		OnLine: func(line process.Line) { s.handleLine(sess, line) },
		OnExit: func(reason process.ExitReason) { s.handleExit(sess, reason) },
		Logger: s.logger.With().Str("session", sess.id).Logger(),
	})
	if err != nil {
		s.clearSession(sess)
		s.observeTransition(sess, StateStarting, StateIdle)
		s.logger.Warn().Str("session", sess.id).Err(err).Msg("game launch failed")
		return StartResult{}, fmt.Errorf("supervisor: start: %w", err)
	}

	s.mu.Lock()
	sess.handle = h
	sess.startedAt = h.StartedAt()
	s.mu.Unlock()

	if err := s.awaitStartup(ctx, sess, h); err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	if s.current != sess {
		// The exit raced the grace timer.
		s.mu.Unlock()
		reason, _ := h.Reason()
		return StartResult{}, fmt.Errorf("%w: %s", ErrExitedDuringStartup, reason)
	}
	sess.state = StateRunning
	if s.lastExit == prior {
		s.lastExit = nil
	}
	s.mu.Unlock()
	s.observeTransition(sess, StateStarting, StateRunning)

	s.logger.Info().Str("session", sess.id).Int("pid", h.PID()).Msg("game started")
	return StartResult{
		PID:       h.PID(),
		SessionID: sess.id,
		StartedAt: sess.startedAt,
		PriorExit: prior,
	}, nil
}

func (s *Supervisor) awaitStartup(ctx context.Context, sess *session, h *process.Handle) error {
	timer := time.NewTimer(s.cfg.GraceInterval)
	defer timer.Stop()

	select {
	case <-sess.ready:
		s.logger.Debug().Str("session", sess.id).Msg("ready line observed")
		return nil
	case <-timer.C:
		if s.cfg.ReadyLine != "" {
			s.logger.Warn().Str("session", sess.id).Str("ready_line", s.cfg.ReadyLine).
				Dur("grace", s.cfg.GraceInterval).Msg("ready line not seen; continuing after grace interval")
		}
		return nil
	case <-h.Done():
		reason, _ := h.Reason()
		s.logger.Warn().Str("session", sess.id).Str("reason", reason.String()).Msg("game exited during startup")
		return fmt.Errorf("%w: %s", ErrExitedDuringStartup, reason)
	case <-ctx.Done():
		s.logger.Warn().Str("session", sess.id).Err(ctx.Err()).Msg("start canceled; tearing down")
		s.stopSession(context.WithoutCancel(ctx), sess)
		return ctx.Err()
	}
}

// Stop terminates the current session. With nothing running it succeeds trivially.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	if err := s.acquire(ctx); err != nil {
		return StopResult{}, err
	}
	defer s.release()

	s.mu.RLock()
	sess := s.current
	s.mu.RUnlock()
	if sess == nil {
		return StopResult{WasRunning: false, Message: messageNotRunning}, nil
	}
	return s.stopSession(ctx, sess), nil
}

// Close stops any session and rejects later starts.
func (s *Supervisor) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	s.closed = true
	sess := s.current
	s.mu.Unlock()
	if sess != nil {
		res := s.stopSession(ctx, sess)
		s.logger.Info().Str("session", sess.id).Bool("timed_out", res.TimedOut).Msg("session stopped on close")
	}
	return nil
}

// Status never blocks on an in-flight start or stop.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{State: StateIdle, LastExit: s.lastExit}
	sess := s.current
	if sess == nil {
		return st
	}
	st.State = sess.state
	st.SessionID = sess.id
	if sess.handle != nil {
		st.PID = sess.handle.PID()
		startedAt := sess.startedAt
		st.StartedAt = &startedAt
	}
	return st
}

// stopSession runs terminate, bounded wait, kill fallback. The caller holds control.
func (s *Supervisor) stopSession(ctx context.Context, sess *session) StopResult {
	s.mu.Lock()
	from := sess.state
	sess.state = StateStopping
	h := sess.handle
	s.mu.Unlock()
	s.observeTransition(sess, from, StateStopping)

	res := StopResult{WasRunning: true, Message: "stopped"}
	if h == nil {
		s.clearSession(sess)
		s.observeTransition(sess, StateStopping, StateIdle)
		return res
	}

	log := s.logger.With().Str("session", sess.id).Int("pid", h.PID()).Logger()
	if err := h.Terminate(); err != nil {
		log.Warn().Err(err).Msg("terminate failed; forcing kill")
	}

	stopTimer := time.NewTimer(s.cfg.StopTimeout)
	defer stopTimer.Stop()
	select {
	case <-h.Done():
	case <-stopTimer.C:
		res.TimedOut = true
		log.Warn().Err(ErrTerminationTimeout).Dur("timeout", s.cfg.StopTimeout).Msg("forcing kill")
	case <-ctx.Done():
		res.TimedOut = true
		log.Warn().Err(ctx.Err()).Msg("stop canceled; forcing kill")
	}

	if res.TimedOut {
		res.Message = "stopped after forced kill"
		if err := h.Kill(); err != nil {
			log.Error().Err(err).Msg("kill failed")
		}
		killTimer := time.NewTimer(s.cfg.KillTimeout)
		defer killTimer.Stop()
		select {
		case <-h.Done():
		case <-killTimer.C:
			log.Error().Dur("timeout", s.cfg.KillTimeout).Msg("process not reaped after kill; abandoning")
		}
	}

	if reason, ok := h.Reason(); ok {
		res.Exit = &ExitReport{SessionID: sess.id, PID: h.PID(), Reason: reason, At: time.Now()}
	}
	s.clearSession(sess)
	s.observeTransition(sess, StateStopping, StateIdle)
	log.Info().Bool("timed_out", res.TimedOut).Msg("game stopped")
	return res
}

func (s *Supervisor) handleLine(sess *session, line process.Line) {
	s.mu.RLock()
	current := s.current == sess
	s.mu.RUnlock()
	if !current {
		return
	}

	if s.cfg.ReadyLine != "" && strings.TrimSpace(line.Text) == s.cfg.ReadyLine {
		sess.markReady()
	}

	event, err := telemetry.ParseLine(line.Text)
	switch {
	case err == nil:
		if s.publisher != nil {
			s.publisher.Publish(event)
		}
	case errors.Is(err, telemetry.ErrMalformedLine):
		s.logger.Debug().Str("session", sess.id).Str("stream", string(line.Stream)).Err(err).Msg("discarding malformed telemetry line")
	default:
		s.logger.Trace().Str("session", sess.id).Str("stream", string(line.Stream)).Str("line", line.Text).Msg("game output")
	}
}

func (s *Supervisor) handleExit(sess *session, reason process.ExitReason) {
	s.mu.Lock()
	state := sess.state
	unsolicited := s.current == sess && (state == StateStarting || state == StateRunning)
	if unsolicited {
		pid := 0
		if sess.handle != nil {
			pid = sess.handle.PID()
		}
		s.lastExit = &ExitReport{SessionID: sess.id, PID: pid, Reason: reason, At: time.Now()}
		s.current = nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveExit(string(reason.Kind), !unsolicited)
	}
	if !unsolicited {
		return
	}
	s.observeTransition(sess, state, StateIdle)

	event := s.logger.Info()
	if reason.Kind != process.ExitNormal {
		event = s.logger.Warn()
	}
	event.Str("session", sess.id).Str("reason", reason.String()).Msg("game exited on its own")
}

func (s *Supervisor) clearSession(sess *session) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.control <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.TransitionTimeout)
	defer timer.Stop()
	select {
	case s.control <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waited %s", ErrAlreadyTransitioning, s.cfg.TransitionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() {
	<-s.control
}

func (s *Supervisor) observeTransition(sess *session, from, to State) {
	s.logger.Debug().Str("session", sess.id).Str("from", string(from)).Str("to", string(to)).Msg("session transition")
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(from), string(to))
	}
}
