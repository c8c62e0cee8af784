package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gamectl/internal/server"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/danmuck/gamectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *eventSink) add(e telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) values() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Value)
	}
	return out
}

func telemetryServer(t *testing.T) (*telemetry.Channel, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testlog.Start(t)
	ch := telemetry.NewChannel(telemetry.Options{Logger: logger})
	srv := server.New(server.Options{
		ID:         "watch-test",
		Controller: &stubController{},
		Telemetry:  ch,
		Logger:     logger,
	})
	ts := httptest.NewServer(srv.HTTPRouter())
	t.Cleanup(ts.Close)
	return ch, "ws" + strings.TrimPrefix(ts.URL, "http") + "/telemetry"
}

func TestWatcherDeliversEventsUntilCanceled(t *testing.T) {
	ch, url := telemetryServer(t)
	w := NewTelemetryWatcher(WatcherOptions{URL: url, Logger: testlog.Start(t)})
	sink := &eventSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink.add) }()

	require.Eventually(t, ch.Subscribed, 2*time.Second, 10*time.Millisecond)
	ch.Publish(telemetry.Score(3))
	ch.Publish(telemetry.Score(4))
	require.Eventually(t, func() bool { return len(sink.values()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{3, 4}, sink.values())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherStopsWhenSuperseded(t *testing.T) {
	ch, url := telemetryServer(t)
	w := NewTelemetryWatcher(WatcherOptions{URL: url, Logger: testlog.Start(t)})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), func(telemetry.Event) {}) }()
	require.Eventually(t, ch.Subscribed, 2*time.Second, 10*time.Millisecond)

	other := ch.Attach()
	defer other.Detach()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report supersede")
	}
}

func TestWatcherGivesUpAfterMaxAttempts(t *testing.T) {
	w := NewTelemetryWatcher(WatcherOptions{
		URL:         "ws://127.0.0.1:1/telemetry",
		Backoff:     BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1},
		MaxAttempts: 3,
		Logger:      testlog.Start(t),
	})

	err := w.Run(context.Background(), func(telemetry.Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}
