package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gamectl/internal/client"
	"github.com/danmuck/gamectl/internal/config"
	"github.com/danmuck/gamectl/internal/process"
	"github.com/danmuck/gamectl/internal/server"
	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/danmuck/gamectl/internal/testutil/helperproc"
	"github.com/danmuck/gamectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestHelperProcess(t *testing.T) {
	helperproc.Run()
}

func testConfig(mode string, args ...string) ServiceConfig {
	command, argv, env := helperproc.Command(mode, args...)
	cfg := DefaultServiceConfig()
	cfg.ID = "gamectl-svc-test"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.GraceInterval = 100 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.Launch = process.Spec{Command: command, Args: argv, Env: env}
	return cfg
}

func runService(t *testing.T, cfg ServiceConfig) (*Service, context.CancelFunc, <-chan error) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewServiceWithConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- svc.RunContext(ctx)
		close(finished)
	}()

	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("service exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("service never became ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(10 * time.Second):
			t.Error("service did not shut down")
		}
	})
	return svc, cancel, done
}

func TestServiceEndToEnd(t *testing.T) {
	svc, cancel, done := runService(t, testConfig("late", "300ms", "SCORE:5", "garbage"))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+svc.HTTPAddr()+"/telemetry", nil)
	if err != nil {
		t.Fatalf("dial telemetry: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !svc.Telemetry().Subscribed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post("http://"+svc.HTTPAddr()+"/api/game", "application/json", bytes.NewBufferString(`{"action":"start"}`))
	if err != nil {
		t.Fatalf("post start: %v", err)
	}
	var started server.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !started.Success || started.PID <= 0 {
		t.Fatalf("unexpected start: %d %+v", resp.StatusCode, started)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read telemetry: %v", err)
	}
	e, err := telemetry.Decode(data)
	if err != nil || e.Value != 5 || e.Kind != telemetry.KindScore {
		t.Fatalf("unexpected telemetry frame %s: %+v %v", data, e, err)
	}

	admin := client.NewAdminClient(svc.AdminAddr())
	defer admin.Close()
	st, err := admin.Status(context.Background())
	if err != nil {
		t.Fatalf("admin status: %v", err)
	}
	if st.State != supervisor.StateRunning || st.PID != started.PID {
		t.Fatalf("expected running pid=%d, got %+v", started.PID, st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("service did not stop")
	}
	if st := svc.Supervisor().Status(); st.State != supervisor.StateIdle {
		t.Fatalf("expected game stopped on shutdown, got %+v", st)
	}
}

func TestServiceHotReloadsLaunchSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamectl.toml")
	if err := os.WriteFile(path, []byte("[launch]\ncommand = \"first-game\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := testConfig("serve")
	cfg.ConfigPath = path
	cfg.WatchDebounce = 50 * time.Millisecond
	svc, _, _ := runService(t, cfg)

	// Give the watcher time to register.
	time.Sleep(150 * time.Millisecond)
	body := "[launch]\ncommand = \"second-game\"\nargs = [\"--level\", \"2\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		spec := svc.Supervisor().LaunchSpec()
		if spec.Command == "second-game" && len(spec.Args) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("launch spec not reloaded, got %+v", svc.Supervisor().LaunchSpec())
}

func TestServiceRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamectl.toml")
	if err := os.WriteFile(path, []byte("[launch]\ncommand = \"first-game\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := testConfig("serve")
	cfg.ConfigPath = path
	svc := NewServiceWithConfig(cfg)
	want := svc.Supervisor().LaunchSpec()

	if err := os.WriteFile(path, []byte("[launch]\ncommand = \"\"\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	svc.reloadLaunch()
	if got := svc.Supervisor().LaunchSpec(); got.Command != want.Command {
		t.Fatalf("expected invalid reload to keep %q, got %q", want.Command, got.Command)
	}
}

func TestBootstrapValidatesConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("serve")
	cfg.HeartbeatInterval = 0
	if err := NewServiceWithConfig(cfg).RunContext(context.Background()); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("expected ErrInvalidHeartbeatInterval, got %v", err)
	}

	cfg = testConfig("serve")
	cfg.HTTPAddr = " "
	if err := NewServiceWithConfig(cfg).RunContext(context.Background()); !errors.Is(err, ErrHTTPAddrRequired) {
		t.Fatalf("expected ErrHTTPAddrRequired, got %v", err)
	}
}

func TestLaunchSpecCopiesConfig(t *testing.T) {
	spec := LaunchSpec(configLaunch())
	if spec.Command != "game" || spec.Dir != "/srv/game" || spec.Env["MODE"] != "1" || len(spec.Args) != 1 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func configLaunch() config.LaunchConfig {
	return config.LaunchConfig{
		Command: " game ",
		Args:    []string{"--fast"},
		Env:     map[string]string{"MODE": "1"},
		Dir:     " /srv/game ",
	}
}
