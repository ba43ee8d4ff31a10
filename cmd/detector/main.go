package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"edgewatch/internal/config"
	"edgewatch/internal/logger"
	"edgewatch/internal/processor"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Init("info")
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Logger.Error().Str("key", cfgErr.Key).Err(cfgErr.Err).Msg("invalid configuration")
		} else {
			logger.Logger.Error().Err(err).Msg("failed to load configuration")
		}
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("detector exited")
		os.Exit(1)
	}

	logger.Logger.Info().Msg("exited")
}
