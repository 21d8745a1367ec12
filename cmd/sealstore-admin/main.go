// Package main is the entry point for the sealstore admin CLI.
// It validates configuration, prints it with secrets masked and runs
// one-off replication or backup sweeps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prn-tf/sealstore/internal/app"
	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/domain"
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

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Minute,
	Usage: "upper bound for the whole command",
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cliApp := &cli.App{
		Name:  "sealstore-admin",
		Usage: "Administrative commands for sealstore",
		Flags: []cli.Flag{flagConfig},
		Commands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "Load and validate the configuration",
				Action: validateCmd,
			},
			{
				Name:   "config",
				Usage:  "Print the storage configuration with secrets masked",
				Action: configCmd,
			},
			{
				Name:      "sweep",
				Usage:     "Run one replication or backup sweep",
				ArgsUsage: "replication|backup",
				Flags:     []cli.Flag{flagTimeout},
				Action:    sweepCmd,
			},
			{
				Name:      "status",
				Usage:     "Show the replication and backup status of an object",
				ArgsUsage: "<object-id>",
				Flags:     []cli.Flag{flagTimeout},
				Action:    statusCmd,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(*cli.Context) error {
					fmt.Printf("sealstore admin CLI\n")
					fmt.Printf("Version: %s\n", Version)
					fmt.Printf("Build Time: %s\n", BuildTime)
					fmt.Printf("Git Commit: %s\n", GitCommit)
					return nil
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func validateCmd(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return err
	}
	fmt.Printf("Configuration is valid: provider=%s regions=%d database=%s\n",
		cfg.Storage.Provider, len(cfg.Storage.Regions), cfg.Database.Driver)
	return nil
}

func configCmd(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return err
	}
	return printJSON(cfg.Storage.Redacted())
}

func sweepCmd(cCtx *cli.Context) error {
	kind := domain.TaskKind(cCtx.Args().First())
	if kind != domain.TaskReplication && kind != domain.TaskBackup {
		return cli.Exit("sweep requires 'replication' or 'backup'", 2)
	}

	return withEngine(cCtx, func(ctx context.Context, a *app.App) error {
		result, err := a.Engine.Sweep(ctx, kind)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func statusCmd(cCtx *cli.Context) error {
	objectID := cCtx.Args().First()
	if objectID == "" {
		return cli.Exit("status requires an object id", 2)
	}

	return withEngine(cCtx, func(ctx context.Context, a *app.App) error {
		status, err := a.Engine.ObjectStatus(ctx, objectID)
		if err != nil {
			return err
		}
		return printJSON(status)
	})
}

// withEngine loads the configuration, initializes an engine without
// background schedulers and runs fn against it.
func withEngine(cCtx *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return err
	}

	logger, logCloser, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Engine.Initialize(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
