package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"rule-engine/internal/app"
	"rule-engine/internal/config"
	"rule-engine/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalw("build engine", "error", err)
	}
	defer a.Close()

	log.Infow("engine starting", "port", cfg.HTTPPort)
	if err := a.Run(ctx); err != nil {
		log.Errorw("engine stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
	log.Infow("engine stopped")
}
