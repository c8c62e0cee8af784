package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gamectl/internal/config"
	"github.com/danmuck/gamectl/internal/service"
)

type fileConfig struct {
	ID                string        `toml:"id"`
	HTTPAddr          string        `toml:"http_addr"`
	AdminAddr         string        `toml:"admin_addr"`
	CORSOrigins       []string      `toml:"cors_origins"`
	HeartbeatInterval string        `toml:"heartbeat_interval"`
	Launch            fileLaunch    `toml:"launch"`
	Session           fileSession   `toml:"session"`
	Telemetry         fileTelemetry `toml:"telemetry"`
}

type fileLaunch struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
}

type fileSession struct {
	GraceInterval     string `toml:"grace_interval"`
	ReadyLine         string `toml:"ready_line"`
	StopTimeout       string `toml:"stop_timeout"`
	KillTimeout       string `toml:"kill_timeout"`
	TransitionTimeout string `toml:"transition_timeout"`
}

type fileTelemetry struct {
	QueueLimit   int    `toml:"queue_limit"`
	WriteTimeout string `toml:"write_timeout"`
	PingInterval string `toml:"ping_interval"`
}

func loadServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load gamectl config: %w", err)
	}
	cfg.ConfigPath = path

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("admin_addr") {
		// Empty disables the admin endpoint.
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if meta.IsDefined("launch") {
		cfg.Launch = service.LaunchSpec(config.LaunchConfig{
			Command: raw.Launch.Command,
			Args:    raw.Launch.Args,
			Env:     raw.Launch.Env,
			Dir:     raw.Launch.Dir,
		})
	}
	if meta.IsDefined("session", "ready_line") {
		cfg.ReadyLine = raw.Session.ReadyLine
	}
	if meta.IsDefined("telemetry", "queue_limit") {
		if raw.Telemetry.QueueLimit < 0 {
			return service.ServiceConfig{}, fmt.Errorf("telemetry.queue_limit must be >= 0")
		}
		cfg.QueueLimit = raw.Telemetry.QueueLimit
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"heartbeat_interval"}, raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{[]string{"session", "grace_interval"}, raw.Session.GraceInterval, &cfg.GraceInterval},
		{[]string{"session", "stop_timeout"}, raw.Session.StopTimeout, &cfg.StopTimeout},
		{[]string{"session", "kill_timeout"}, raw.Session.KillTimeout, &cfg.KillTimeout},
		{[]string{"session", "transition_timeout"}, raw.Session.TransitionTimeout, &cfg.TransitionTimeout},
		{[]string{"telemetry", "write_timeout"}, raw.Telemetry.WriteTimeout, &cfg.WriteTimeout},
		{[]string{"telemetry", "ping_interval"}, raw.Telemetry.PingInterval, &cfg.PingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := config.ParseDuration(d.raw)
		if err != nil {
			return service.ServiceConfig{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		// Zero keeps the default.
		if v > 0 {
			*d.dst = v
		}
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
