package main

import (
	"context"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/urfave/cli/v3"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// appConfig is the loaded configuration with global flag overrides
	// applied. Subcommands layer their own flags on a copy.
	appConfig = config.Default()
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML configuration file",
			Sources:     cli.EnvVars("XLORA_CONFIG"),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (trace, debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Value:       "console",
			Destination: &logFormat,
		},
	}
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return ctx, err
	}
	if cmd.IsSet("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	if cmd.IsSet("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat = logFormat
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	appConfig = cfg
	return ctx, nil
}
