// Command fakegame stands in for an external game during local runs.
//
// It prints a readiness line, then one SCORE:n line per tick, and exits 0 on SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/gamectl/internal/observability"
)

type options struct {
	tick     time.Duration
	ready    string
	maxTicks int
	exitCode int
	jsonOut  bool
	seed     int64
}

func main() {
	opts := options{seed: time.Now().UnixNano()}
	flag.DurationVar(&opts.tick, "tick", 500*time.Millisecond, "interval between score lines")
	flag.StringVar(&opts.ready, "ready", "READY", "readiness line printed at startup (empty to skip)")
	flag.IntVar(&opts.maxTicks, "max", 0, "exit after this many scores (0 runs until signaled)")
	flag.IntVar(&opts.exitCode, "exit-code", 0, "exit code used when -max is reached")
	flag.BoolVar(&opts.jsonOut, "json", false, "emit JSON score lines instead of SCORE:n")
	flag.Parse()

	logger := observability.InitLogger("fakegame")
	if raw := os.Getenv("FAKEGAME_SEED"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts.seed = v
		} else {
			logger.Warn().Str("seed", raw).Msg("ignoring invalid FAKEGAME_SEED")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Dur("tick", opts.tick).Int64("seed", opts.seed).Msg("fakegame starting")
	code := run(ctx, opts)
	logger.Info().Int("code", code).Msg("fakegame exiting")
	os.Exit(code)
}

func run(ctx context.Context, opts options) int {
	if opts.ready != "" {
		fmt.Println(opts.ready)
	}
	if opts.tick <= 0 {
		opts.tick = 500 * time.Millisecond
	}

	rng := rand.New(rand.NewSource(opts.seed))
	ticker := time.NewTicker(opts.tick)
	defer ticker.Stop()

	var score int64
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
		}
		score += int64(rng.Intn(10) + 1)
		fmt.Println(scoreLine(score, opts.jsonOut))
		if opts.maxTicks > 0 && n >= opts.maxTicks {
			return opts.exitCode
		}
	}
}

func scoreLine(score int64, asJSON bool) string {
	if asJSON {
		return fmt.Sprintf(`{"type":"score","value":%d}`, score)
	}
	return fmt.Sprintf("SCORE:%d", score)
}
