package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"lampbridge/internal/app"
	"lampbridge/internal/config"
	"lampbridge/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := logging.Bootstrap()

	cfg, err := config.Load()
	if err != nil {
		boot.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}

	log, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		boot.Error().Err(err).Msg("logger init failed")
		os.Exit(1)
	}

	a, err := app.New(cfg, log, logCloser)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start failed")
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
