package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindGame   = "gamectl"
	KindClient = "client"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindGame:
		return gameTemplate, nil
	case KindClient:
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindGame:
		_, err := LoadGameConfig(path)
		return err
	case KindClient:
		_, err := LoadClientConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const gameTemplate = `id = "gamectl"
http_addr = ":8080"
admin_addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
heartbeat_interval = "30s"

# go build -o bin/fakegame ./cmd/fakegame
[launch]
command = "bin/fakegame"
args = ["-tick", "500ms"]
dir = ""

[launch.env]
FAKEGAME_SEED = "7"

[session]
grace_interval = "1s"
ready_line = "READY"
stop_timeout = "5s"
kill_timeout = "2s"
transition_timeout = "30s"

[telemetry]
queue_limit = 4096
write_timeout = "5s"
ping_interval = "20s"
`

const clientTemplate = `admin_addr = "127.0.0.1:9400"
telemetry_url = "ws://127.0.0.1:8080/telemetry"
origin = "http://localhost:3000"
call_timeout = "45s"

[reconnect]
initial_delay = "250ms"
max_delay = "10s"
multiplier = 2.0
jitter = true
max_attempts = 0
`
