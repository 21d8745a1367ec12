// Package main is the entry point for the sealstore catalog migration tool.
// It applies the embedded SQLite or PostgreSQL schema migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prn-tf/sealstore/internal/app"
	"github.com/prn-tf/sealstore/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the YAML configuration file",
	EnvVars: []string{"SEALSTORE_CONFIG"},
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cliApp := &cli.App{
		Name:  "sealstore-migrate",
		Usage: "Manage the sealstore catalog schema",
		Flags: []cli.Flag{flagConfig},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Run all pending migrations",
				Action: func(cCtx *cli.Context) error {
					return withDatabase(cCtx, func(ctx context.Context, db app.MigratableDB) error {
						if err := db.Migrate(ctx); err != nil {
							return err
						}
						return printVersion(ctx, db)
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show the current migration version",
				Action: func(cCtx *cli.Context) error {
					return withDatabase(cCtx, printVersion)
				},
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(*cli.Context) error {
					fmt.Printf("sealstore migration tool\n")
					fmt.Printf("Version: %s\n", Version)
					fmt.Printf("Build Time: %s\n", BuildTime)
					fmt.Printf("Git Commit: %s\n", GitCommit)
					return nil
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func withDatabase(cCtx *cli.Context, fn func(ctx context.Context, db app.MigratableDB) error) error {
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return err
	}

	logger, logCloser, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, 5*time.Minute)
	defer cancel()

	db, err := app.OpenMigratable(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, db)
}

func printVersion(ctx context.Context, db app.MigratableDB) error {
	version, err := db.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Current schema version: %d\n", version)
	return nil
}
