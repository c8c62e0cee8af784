package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultID           = "gamectl"
	DefaultHTTPAddr     = ":8080"
	DefaultAdminAddr    = "127.0.0.1:9400"
	DefaultTelemetryURL = "ws://127.0.0.1:8080/telemetry"
)

// GameConfig is the gamectl daemon file as written on disk.
// Durations stay strings here so validation can name the bad key.
type GameConfig struct {
	ID                string          `toml:"id"`
	HTTPAddr          string          `toml:"http_addr"`
	AdminAddr         string          `toml:"admin_addr"`
	CORSOrigins       []string        `toml:"cors_origins"`
	HeartbeatInterval string          `toml:"heartbeat_interval"`
	Launch            LaunchConfig    `toml:"launch"`
	Session           SessionConfig   `toml:"session"`
	Telemetry         TelemetryConfig `toml:"telemetry"`
}

type LaunchConfig struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
}

type SessionConfig struct {
	GraceInterval     string `toml:"grace_interval"`
	ReadyLine         string `toml:"ready_line"`
	StopTimeout       string `toml:"stop_timeout"`
	KillTimeout       string `toml:"kill_timeout"`
	TransitionTimeout string `toml:"transition_timeout"`
}

type TelemetryConfig struct {
	QueueLimit   int    `toml:"queue_limit"`
	WriteTimeout string `toml:"write_timeout"`
	PingInterval string `toml:"ping_interval"`
}

// ClientConfig is the client-tm file.
type ClientConfig struct {
	AdminAddr    string          `toml:"admin_addr"`
	TelemetryURL string          `toml:"telemetry_url"`
	Origin       string          `toml:"origin"`
	CallTimeout  string          `toml:"call_timeout"`
	Reconnect    ReconnectConfig `toml:"reconnect"`
}

type ReconnectConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay"`
	Multiplier   float64 `toml:"multiplier"`
	Jitter       bool    `toml:"jitter"`
	MaxAttempts  int     `toml:"max_attempts"`
}

func LoadGameConfig(path string) (GameConfig, error) {
	var cfg GameConfig
	if err := loadToml(path, &cfg); err != nil {
		return GameConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = DefaultAdminAddr
	}
	if err := ValidateGameConfig(cfg); err != nil {
		return GameConfig{}, err
	}
	return cfg, nil
}

// LoadLaunch reads only the [launch] table, for hot reload.
func LoadLaunch(path string) (LaunchConfig, error) {
	cfg, err := LoadGameConfig(path)
	if err != nil {
		return LaunchConfig{}, err
	}
	return cfg.Launch, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = DefaultAdminAddr
	}
	if cfg.TelemetryURL == "" {
		cfg.TelemetryURL = DefaultTelemetryURL
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateGameConfig(cfg GameConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("gamectl config missing id")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return fmt.Errorf("gamectl config missing http_addr")
	}
	if err := ValidateLaunch(cfg.Launch); err != nil {
		return fmt.Errorf("launch invalid: %w", err)
	}
	durations := map[string]string{
		"heartbeat_interval":         cfg.HeartbeatInterval,
		"session.grace_interval":     cfg.Session.GraceInterval,
		"session.stop_timeout":       cfg.Session.StopTimeout,
		"session.kill_timeout":       cfg.Session.KillTimeout,
		"session.transition_timeout": cfg.Session.TransitionTimeout,
		"telemetry.write_timeout":    cfg.Telemetry.WriteTimeout,
		"telemetry.ping_interval":    cfg.Telemetry.PingInterval,
	}
	for key, raw := range durations {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
	}
	if cfg.Telemetry.QueueLimit < 0 {
		return fmt.Errorf("telemetry.queue_limit must be >= 0")
	}
	return nil
}

func ValidateLaunch(cfg LaunchConfig) error {
	if strings.TrimSpace(cfg.Command) == "" {
		return fmt.Errorf("command is required")
	}
	for k := range cfg.Env {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
			return fmt.Errorf("env key %q is invalid", k)
		}
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("client config missing admin_addr")
	}
	url := strings.TrimSpace(cfg.TelemetryURL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("telemetry_url must use ws:// or wss://")
	}
	for key, raw := range map[string]string{
		"call_timeout":            cfg.CallTimeout,
		"reconnect.initial_delay": cfg.Reconnect.InitialDelay,
		"reconnect.max_delay":     cfg.Reconnect.MaxDelay,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
	}
	if cfg.Reconnect.Multiplier != 0 && cfg.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	return nil
}

// ParseDuration accepts "" as unset (zero). Negative values are rejected.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}
