package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gamectl/internal/testutil/testlog"
)

func TestWatchFiresOnceForBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gamectl.toml")
	if err := os.WriteFile(path, []byte("id = \"a\"\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 100*time.Millisecond, testlog.Start(t), func() { calls.Add(1) })
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("id = \"b\"\n"), 0o600); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one debounced reload, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop on cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "gamectl.toml"), 0, testlog.Start(t), func() {})
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
