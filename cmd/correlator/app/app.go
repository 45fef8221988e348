package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openvlbi/correlator/internal/controller"
)

// Exit codes: configuration problems are distinguished from runtime
// failures so batch schedulers can tell them apart.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// Run resolves the configuration into a job and drives it to completion.
// It returns the process exit code.
func Run(ctx context.Context, config *Config, logger *slog.Logger) int {
	job, err := config.BuildJob()
	if err != nil {
		logger.Error(err.Error())
		return ExitConfigError
	}

	started := time.Now()
	logger.Info("starting correlation",
		slog.String("experiment", job.Experiment),
		slog.String("start", job.Start.String()),
		slog.String("stop", job.Stop.String()),
		slog.Int("stations", len(job.Stations)),
		slog.Int("channels", len(job.Channels)))

	if err := controller.New(job, logger).Run(ctx); err != nil {
		logger.Error(err.Error())
		if errors.Is(err, controller.ErrConfigInvalid) {
			return ExitConfigError
		}
		return ExitFailure
	}

	logger.Info("correlation finished",
		slog.Duration("elapsed", time.Since(started)))
	return ExitOK
}
