package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/gamectl/internal/client"
	"github.com/danmuck/gamectl/internal/config"
	"github.com/danmuck/gamectl/internal/observability"
	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
	"github.com/rs/zerolog"
)

const defaultConfigPath = "cmd/client-tm/config.toml"

var (
	// ErrNavigateExit signals caller-intent to exit the interactive client.
	ErrNavigateExit   = errors.New("navigate exit")
	ErrUnknownCommand = errors.New("unknown command")
)

// App is the operator console for one gamectl daemon.
type App struct {
	cfgPath string
	cfg     config.ClientConfig
	admin   *client.AdminClient
	reader  *bufio.Reader
	out     io.Writer
	logger  zerolog.Logger
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "client config path")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: client-tm [-config path] [start|stop|status|stats|watch]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := observability.InitLogger("client-tm")
	app := NewApp(cfgPath, os.Stdin, os.Stdout, logger)
	if err := app.Run(flag.Args()); err != nil {
		logger.Error().Err(err).Msg("client-tm failed")
		os.Exit(1)
	}
}

func NewApp(cfgPath string, in io.Reader, out io.Writer, logger zerolog.Logger) *App {
	return &App{
		cfgPath: cfgPath,
		reader:  bufio.NewReader(in),
		out:     out,
		logger:  logger,
	}
}

// Run executes one command from args, or the interactive menu when args is empty.
func (a *App) Run(args []string) error {
	if err := a.loadOrInitConfig(); err != nil {
		return err
	}
	defer a.admin.Close()

	if len(args) > 0 {
		return a.runCommand(context.Background(), strings.ToLower(strings.TrimSpace(args[0])))
	}
	return a.runMenu()
}

// loadOrInitConfig writes the default template when the file is missing, then loads it.
func (a *App) loadOrInitConfig() error {
	if _, err := os.Stat(a.cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.WriteTemplate(a.cfgPath, config.KindClient, false); err != nil {
			return fmt.Errorf("init client config: %w", err)
		}
		a.logger.Info().Str("path", a.cfgPath).Msg("wrote default client config")
	}
	cfg, err := config.LoadClientConfig(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.admin = client.NewAdminClient(cfg.AdminAddr)
	if d, _ := config.ParseDuration(cfg.CallTimeout); d > 0 {
		a.admin.WithCallTimeout(d)
	}
	a.logger.Info().
		Str("admin_addr", cfg.AdminAddr).
		Str("telemetry_url", cfg.TelemetryURL).
		Msg("client-tm loaded")
	return nil
}

func (a *App) runCommand(ctx context.Context, cmd string) error {
	switch cmd {
	case "start":
		return a.start(ctx)
	case "stop":
		return a.stop(ctx)
	case "status":
		return a.status(ctx)
	case "stats":
		return a.stats(ctx)
	case "watch":
		return a.watch(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

func (a *App) runMenu() error {
	for {
		a.printMainMenu()
		choice, err := a.promptInt("Choose", 1, 6, true)
		if err != nil {
			if errors.Is(err, ErrNavigateExit) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var cmdErr error
		switch choice {
		case 1:
			cmdErr = a.start(context.Background())
		case 2:
			cmdErr = a.stop(context.Background())
		case 3:
			cmdErr = a.status(context.Background())
		case 4:
			cmdErr = a.stats(context.Background())
		case 5:
			fmt.Fprintln(a.out, "Watching telemetry, Ctrl-C returns to the menu.")
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
			cmdErr = a.watch(ctx)
			stop()
		case 6:
			return nil
		}
		if cmdErr != nil {
			a.logger.Error().Err(cmdErr).Int("choice", choice).Msg("command failed")
		}
	}
}

func (a *App) printMainMenu() {
	fmt.Fprintf(a.out, "\n== gamectl @ %s ==\n", a.admin.Address())
	fmt.Fprintln(a.out, "1) Start game")
	fmt.Fprintln(a.out, "2) Stop game")
	fmt.Fprintln(a.out, "3) Status")
	fmt.Fprintln(a.out, "4) Telemetry stats")
	fmt.Fprintln(a.out, "5) Watch telemetry")
	fmt.Fprintln(a.out, "6) Exit")
}

func (a *App) start(ctx context.Context) error {
	res, err := a.admin.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "started pid=%d session=%s\n", res.PID, res.SessionID)
	if res.PriorExit != nil {
		fmt.Fprintf(a.out, "previous session %s ended: %s\n", res.PriorExit.SessionID, res.PriorExit.Reason)
	}
	return nil
}

func (a *App) stop(ctx context.Context) error {
	res, err := a.admin.Stop(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, res.Message)
	if res.Exit != nil {
		fmt.Fprintf(a.out, "exit: %s\n", res.Exit.Reason)
	}
	return nil
}

func (a *App) status(ctx context.Context) error {
	st, err := a.admin.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, formatStatus(st))
	return nil
}

func (a *App) stats(ctx context.Context) error {
	stats, err := a.admin.TelemetryStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "subscribed=%t published=%d delivered=%d dropped=%d pending=%d\n",
		stats.Subscribed, stats.Published, stats.Delivered, stats.Dropped, stats.Pending)
	return nil
}

func (a *App) watch(ctx context.Context) error {
	watcher := client.NewTelemetryWatcher(client.WatcherOptions{
		URL:         a.cfg.TelemetryURL,
		Origin:      a.cfg.Origin,
		Backoff:     backoffFromConfig(a.cfg.Reconnect),
		MaxAttempts: a.cfg.Reconnect.MaxAttempts,
		Logger:      a.logger,
	})
	err := watcher.Run(ctx, func(e telemetry.Event) {
		fmt.Fprintf(a.out, "%s %s=%d\n", time.Now().Format(time.TimeOnly), e.Kind, e.Value)
	})
	if errors.Is(err, client.ErrSuperseded) {
		fmt.Fprintln(a.out, "another subscriber took over the telemetry stream")
		return nil
	}
	return err
}

func backoffFromConfig(cfg config.ReconnectConfig) client.BackoffConfig {
	out := client.DefaultBackoffConfig()
	if d, _ := config.ParseDuration(cfg.InitialDelay); d > 0 {
		out.InitialDelay = d
	}
	if d, _ := config.ParseDuration(cfg.MaxDelay); d > 0 {
		out.MaxDelay = d
	}
	if cfg.Multiplier >= 1 {
		out.Multiplier = cfg.Multiplier
	}
	out.Jitter = cfg.Jitter
	return out
}

func formatStatus(st supervisor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s", st.State)
	if st.PID > 0 {
		fmt.Fprintf(&b, " pid=%d session=%s", st.PID, st.SessionID)
	}
	if st.StartedAt != nil {
		fmt.Fprintf(&b, " uptime=%s", time.Since(*st.StartedAt).Truncate(time.Second))
	}
	b.WriteString("\n")
	if st.LastExit != nil {
		fmt.Fprintf(&b, "last exit: session=%s reason=%s\n", st.LastExit.SessionID, st.LastExit.Reason)
	}
	return b.String()
}

func (a *App) promptLine(label string) (string, error) {
	if strings.TrimSpace(label) != "" {
		fmt.Fprintf(a.out, "%s: ", label)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *App) promptInt(label string, min int, max int, allowExit bool) (int, error) {
	for {
		rangePrompt := fmt.Sprintf("%s [%d-%d", label, min, max)
		if allowExit {
			rangePrompt += "|exit|e"
		}
		rangePrompt += "]"
		line, err := a.promptLine(rangePrompt)
		if err != nil {
			return 0, err
		}
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if allowExit && (trimmed == "exit" || trimmed == "e") {
			return 0, ErrNavigateExit
		}
		v, err := strconv.Atoi(trimmed)
		if err != nil || v < min || v > max {
			fmt.Fprintln(a.out, "Invalid selection.")
			continue
		}
		return v, nil
	}
}
