// Package main is the entry point for the sealstore server.
// It serves the encrypted object storage engine over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prn-tf/sealstore/internal/app"
	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/handler"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "",
		Usage:   "path to the YAML configuration file",
		EnvVars: []string{"SEALSTORE_CONFIG"},
	},
	&cli.DurationFlag{
		Name:  "init-timeout",
		Value: time.Minute,
		Usage: "how long to wait for the storage engine to initialize",
	},
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cliApp := &cli.App{
		Name:    "sealstore-server",
		Usage:   "Serve the encrypted object storage API",
		Version: Version,
		Flags:   flags,
		Action:  run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}

	logger, logCloser, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting sealstore server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{RunSchedulers: true}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to release resources")
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, cCtx.Duration("init-timeout"))
	err = a.Engine.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}

	rc := handler.RouterConfig{
		Engine:      a.Engine,
		Database:    a.Database,
		MaxBodySize: cfg.Server.MaxBodySize,
		Logger:      logger,
	}
	if a.Registry != nil {
		rc.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		rc.MetricsPath = cfg.Metrics.Path
	}

	server := handler.NewServer(handler.ServerConfig{
		ListenAddr:               cfg.Server.Addr(),
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		IdleTimeout:              cfg.Server.IdleTimeout,
		GracefulShutdownDuration: cfg.Server.ShutdownTimeout,
	}, rc)

	errCh := server.RunInBackground()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Shutdown(); err != nil {
		return err
	}
	logger.Info().Msg("Server shutdown complete")
	return nil
}
