package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gamectl/internal/process"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/danmuck/gamectl/internal/testutil/helperproc"
	"github.com/danmuck/gamectl/internal/testutil/testlog"
)

func TestHelperProcess(t *testing.T) {
	helperproc.Run()
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	exits       []string
	solicited   int
}

func (m *recordingMetrics) ObserveTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

func (m *recordingMetrics) ObserveExit(kind string, solicited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, kind)
	if solicited {
		m.solicited++
	}
}

func (m *recordingMetrics) ObserveStart(time.Duration, bool) {}

func (m *recordingMetrics) solicitedExits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.solicited
}

type fixture struct {
	sup     *Supervisor
	channel *telemetry.Channel
	metrics *recordingMetrics
}

func helperSpec(mode string, args ...string) process.Spec {
	command, argv, env := helperproc.Command(mode, args...)
	return process.Spec{Command: command, Args: argv, Env: env}
}

func newFixture(t *testing.T, spec process.Spec, tune func(*Config)) *fixture {
	t.Helper()
	logger := testlog.Start(t)
	channel := telemetry.NewChannel(telemetry.Options{Logger: logger})
	metrics := &recordingMetrics{}
	cfg := DefaultConfig()
	cfg.Launch = spec
	cfg.GraceInterval = 100 * time.Millisecond
	cfg.StopTimeout = 3 * time.Second
	cfg.KillTimeout = 2 * time.Second
	cfg.Logger = logger
	cfg.Publisher = channel
	cfg.Metrics = metrics
	if tune != nil {
		tune(&cfg)
	}
	sup := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return &fixture{sup: sup, channel: channel, metrics: metrics}
}

func waitForState(t *testing.T, sup *Supervisor, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := sup.Status()
		if st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last=%+v", want, sup.Status())
	return Status{}
}

func TestStartReportsRunningSession(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)

	res, err := f.sup.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.PID <= 0 || res.SessionID == "" || res.StartedAt.IsZero() {
		t.Fatalf("unexpected start result: %+v", res)
	}

	st := f.sup.Status()
	if st.State != StateRunning || st.PID != res.PID || st.SessionID != res.SessionID {
		t.Fatalf("expected running status for pid=%d, got %+v", res.PID, st)
	}

	stop, err := f.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !stop.WasRunning || stop.TimedOut || stop.Exit == nil {
		t.Fatalf("unexpected stop result: %+v", stop)
	}
	if st := f.sup.Status(); st.State != StateIdle || st.PID != 0 {
		t.Fatalf("expected idle after stop, got %+v", st)
	}
}

func TestStartMissingExecutableStaysIdle(t *testing.T) {
	f := newFixture(t, process.Spec{Command: "/nonexistent/gamectl-game"}, nil)

	_, err := f.sup.Start(context.Background())
	if !errors.Is(err, process.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	var launchErr *process.LaunchError
	if !errors.As(err, &launchErr) || launchErr.Cause != process.CauseNotFound {
		t.Fatalf("expected not_found launch error, got %v", err)
	}
	if st := f.sup.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after failed start, got %+v", st)
	}
}

func TestScoreLinesReachSubscriber(t *testing.T) {
	f := newFixture(t, helperSpec("late", "150ms", "SCORE:5", "garbage", "SCORE:6"), nil)
	sub := f.channel.Attach()

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []int64{5, 6} {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next event: %v", err)
		}
		if e.Kind != telemetry.KindScore || e.Value != want {
			t.Fatalf("expected score %d, got %+v", want, e)
		}
	}
	if got := f.channel.Stats().Published; got != 2 {
		t.Fatalf("expected garbage line to be discarded, published=%d", got)
	}
}

func TestUnsolicitedExitReturnsToIdle(t *testing.T) {
	f := newFixture(t, helperSpec("crash-after", "300ms", "3"), nil)

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitForState(t, f.sup, StateIdle)
	if st.LastExit == nil || st.LastExit.Reason.Kind != process.ExitCrashed || st.LastExit.Reason.Code != 3 {
		t.Fatalf("expected crashed(3) last exit, got %+v", st.LastExit)
	}

	f.sup.SetLaunchSpec(helperSpec("serve"))
	res, err := f.sup.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res.PriorExit == nil || res.PriorExit.Reason.Code != 3 {
		t.Fatalf("expected prior exit in start result, got %+v", res.PriorExit)
	}
	if st := f.sup.Status(); st.LastExit != nil {
		t.Fatalf("expected last exit consumed by start, got %+v", st.LastExit)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)

	for i := 0; i < 2; i++ {
		res, err := f.sup.Stop(context.Background())
		if err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
		if res.WasRunning || res.Message != "was not running" {
			t.Fatalf("expected trivial stop, got %+v", res)
		}
	}

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := f.sup.Stop(context.Background())
	if err != nil || !first.WasRunning {
		t.Fatalf("expected first stop to stop the game, got %+v err=%v", first, err)
	}
	second, err := f.sup.Stop(context.Background())
	if err != nil || second.WasRunning || second.Message != "was not running" {
		t.Fatalf("expected second stop to be trivial, got %+v err=%v", second, err)
	}
}

func TestStartReplacesRunningSession(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)

	first, err := f.sup.Start(context.Background())
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := f.sup.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.PID == second.PID || first.SessionID == second.SessionID {
		t.Fatalf("expected a new process, first=%+v second=%+v", first, second)
	}
	if got := f.metrics.solicitedExits(); got != 1 {
		t.Fatalf("expected prior process exit before second start returned, got %d", got)
	}
	if st := f.sup.Status(); st.PID != second.PID || st.State != StateRunning {
		t.Fatalf("expected status to track replacement, got %+v", st)
	}
}

func TestConcurrentStartsLeaveOneProcess(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)

	const starts = 4
	var wg sync.WaitGroup
	pids := make(chan int, starts)
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sup.Start(context.Background())
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			pids <- res.PID
		}()
	}
	wg.Wait()
	close(pids)

	seen := map[int]bool{}
	for pid := range pids {
		seen[pid] = true
	}
	if len(seen) != starts {
		t.Fatalf("expected %d distinct pids, got %v", starts, seen)
	}
	if got := f.metrics.solicitedExits(); got != starts-1 {
		t.Fatalf("expected %d replaced processes, got %d", starts-1, got)
	}
	st := f.sup.Status()
	if st.State != StateRunning || !seen[st.PID] {
		t.Fatalf("expected exactly one running process, got %+v", st)
	}
}

func TestReadyLineShortensStartup(t *testing.T) {
	f := newFixture(t, helperSpec("serve", "booting", "READY"), func(cfg *Config) {
		cfg.GraceInterval = 5 * time.Second
		cfg.ReadyLine = "READY"
	})

	begin := time.Now()
	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if elapsed := time.Since(begin); elapsed >= 4*time.Second {
		t.Fatalf("expected ready line to end the grace wait early, took %s", elapsed)
	}
}

func TestReadyLineMustMatchWholeLine(t *testing.T) {
	f := newFixture(t, helperSpec("serve", "NOT READY", "READYING assets"), func(cfg *Config) {
		cfg.GraceInterval = 800 * time.Millisecond
		cfg.ReadyLine = "READY"
	})

	begin := time.Now()
	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < 700*time.Millisecond {
		t.Fatalf("expected partial matches to leave the grace wait running, took %s", elapsed)
	}
}

func TestExitDuringStartupFails(t *testing.T) {
	f := newFixture(t, helperSpec("exit", "4"), func(cfg *Config) {
		cfg.GraceInterval = 3 * time.Second
	})

	_, err := f.sup.Start(context.Background())
	if !errors.Is(err, ErrExitedDuringStartup) {
		t.Fatalf("expected ErrExitedDuringStartup, got %v", err)
	}
	st := f.sup.Status()
	if st.State != StateIdle {
		t.Fatalf("expected idle after failed startup, got %+v", st)
	}
	if st.LastExit == nil || st.LastExit.Reason.Code != 4 {
		t.Fatalf("expected startup exit recorded, got %+v", st.LastExit)
	}
}

func TestStopForcesKillWhenTerminateIgnored(t *testing.T) {
	f := newFixture(t, helperSpec("ignore-term"), func(cfg *Config) {
		cfg.GraceInterval = 5 * time.Second
		cfg.ReadyLine = "ignoring"
		cfg.StopTimeout = 200 * time.Millisecond
	})

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := f.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.TimedOut || res.Exit == nil || res.Exit.Reason.Kind != process.ExitKilled {
		t.Fatalf("expected forced kill, got %+v", res)
	}
	if st := f.sup.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after forced stop, got %+v", st)
	}
}

func TestStopDuringGraceQueuesBehindStart(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), func(cfg *Config) {
		cfg.GraceInterval = 400 * time.Millisecond
	})

	startDone := make(chan error, 1)
	go func() {
		_, err := f.sup.Start(context.Background())
		startDone <- err
	}()

	waitForState(t, f.sup, StateStarting)
	res, err := f.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-startDone; err != nil {
		t.Fatalf("start should have completed before stop ran: %v", err)
	}
	if !res.WasRunning {
		t.Fatalf("expected queued stop to stop the started game, got %+v", res)
	}
	if st := f.sup.Status(); st.State != StateIdle {
		t.Fatalf("expected idle, got %+v", st)
	}
}

func TestControlWaitTimesOut(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), func(cfg *Config) {
		cfg.GraceInterval = time.Second
		cfg.TransitionTimeout = 100 * time.Millisecond
	})

	startDone := make(chan error, 1)
	go func() {
		_, err := f.sup.Start(context.Background())
		startDone <- err
	}()

	waitForState(t, f.sup, StateStarting)
	if _, err := f.sup.Stop(context.Background()); !errors.Is(err, ErrAlreadyTransitioning) {
		t.Fatalf("expected ErrAlreadyTransitioning, got %v", err)
	}
	if err := <-startDone; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCanceledStartLeavesNothingRunning(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), func(cfg *Config) {
		cfg.GraceInterval = 5 * time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := f.sup.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if st := f.sup.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after canceled start, got %+v", st)
	}
}

func TestStaleSessionLinesAreIgnored(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)
	sub := f.channel.Attach()

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stale := &session{id: "stale", state: StateRunning, ready: make(chan struct{})}
	f.sup.handleLine(stale, process.Line{Stream: process.StreamStdout, Text: "SCORE:9"})

	if got := f.channel.Stats().Published; got != 0 {
		t.Fatalf("expected stale line to be ignored, published=%d", got)
	}
	if got := sub.Pending(); got != 0 {
		t.Fatalf("expected nothing queued, got %d", got)
	}
}

func TestCloseStopsSessionAndRejectsStart(t *testing.T) {
	f := newFixture(t, helperSpec("serve"), nil)

	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sup.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := f.sup.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after close, got %+v", st)
	}
	if _, err := f.sup.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
