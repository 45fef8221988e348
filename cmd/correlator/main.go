package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openvlbi/correlator/cmd/correlator/app"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var configPath string
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.Parse()

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(app.ExitConfigError)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(app.ExitConfigError)
	}

	level, err := app.ParseLogLevel(config.Settings.LogLevel)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(app.ExitConfigError)
	}
	logLevel.Set(slog.Level(level))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := app.Run(ctx, config, logger)
	cancel()
	os.Exit(code)
}
