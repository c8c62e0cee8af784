package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/gamectl/internal/observability"
	"github.com/danmuck/gamectl/internal/service"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/gamectl/config.toml"

func main() {
	path := flag.String("config", defaultConfigPath, "gamectl config path")
	flag.Parse()

	observability.InitLogger("gamectl")

	cfg, err := loadServiceConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gamectl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("config", *path).Str("command", cfg.Launch.Command).Msg("config loaded")

	svc := service.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gamectl: %v\n", err)
		os.Exit(1)
	}
}
