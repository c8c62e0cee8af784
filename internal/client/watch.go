package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrSuperseded means another subscriber took over the telemetry stream.
var ErrSuperseded = errors.New("client: telemetry subscription superseded")

type WatcherOptions struct {
	// URL is the WebSocket endpoint, e.g. ws://127.0.0.1:8080/telemetry.
	URL         string
	Origin      string
	Backoff     BackoffConfig
	MaxAttempts int
	Logger      zerolog.Logger
}

// TelemetryWatcher follows the telemetry stream and reconnects with backoff.
type TelemetryWatcher struct {
	url         string
	header      http.Header
	backoff     BackoffConfig
	maxAttempts int
	dialer      *websocket.Dialer
	rng         *rand.Rand
	logger      zerolog.Logger
}

func NewTelemetryWatcher(opts WatcherOptions) *TelemetryWatcher {
	header := http.Header{}
	if origin := strings.TrimSpace(opts.Origin); origin != "" {
		header.Set("Origin", origin)
	}
	backoff := opts.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = DefaultBackoffConfig()
	}
	return &TelemetryWatcher{
		url:         strings.TrimSpace(opts.URL),
		header:      header,
		backoff:     backoff,
		maxAttempts: opts.MaxAttempts,
		dialer:      &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      opts.Logger.With().Str("component", "watcher").Logger(),
	}
}

// Run delivers events to fn until ctx ends, the stream is superseded, or
// MaxAttempts consecutive connection attempts fail.
func (w *TelemetryWatcher) Run(ctx context.Context, fn func(telemetry.Event)) error {
	attempt := 0
	for {
		err := w.stream(ctx, fn, func() { attempt = 0 })
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrSuperseded):
			return err
		}

		attempt++
		if w.maxAttempts > 0 && attempt >= w.maxAttempts {
			return fmt.Errorf("client: telemetry gave up after %d attempts: %w", attempt, err)
		}
		delay := NextBackoffDelay(w.backoff, attempt, w.rng)
		w.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("telemetry stream lost")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *TelemetryWatcher) stream(ctx context.Context, fn func(telemetry.Event), connected func()) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return err
	}
	defer conn.Close()
	connected()
	w.logger.Info().Str("url", w.url).Msg("telemetry connected")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text == string(telemetry.DetachSuperseded) {
				return ErrSuperseded
			}
			return err
		}
		e, err := telemetry.Decode(data)
		if err != nil {
			w.logger.Debug().Err(err).Msg("discarding undecodable telemetry frame")
			continue
		}
		fn(e)
	}
}
