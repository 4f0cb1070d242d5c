package cmd

import (
	"context"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/urfave/cli/v2"
)

// Build-time version information.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	appName = "pontem-node"
)

// Global CLI flags.
const (
	flagDebug      = "debug"
	flagLogLevel   = "log-level"
	flagConfigPath = "config"
)

var log = logger.NewNamed("cli")

// Root returns the main CLI application with all commands and flags configured.
func Root(ctx context.Context) *cli.App {
	cli.VersionPrinter = versionPrinter

	// Node version reported in configs, telemetry and the rpc system api.
	app.AppName = appName
	app.GitSummary = version
	app.GitCommit = commit
	app.BuildDate = date

	return &cli.App{
		Name:    appName,
		Usage:   "Pontem parachain collator node",
		Version: version,
		Flags:   buildGlobalFlags(),
		Before:  setupLogger,
		Commands: []*cli.Command{
			cmdStart(ctx),
			cmdDev(ctx),
			cmdConfig(ctx),
			cmdKey(ctx),
			cmdExportBlocks(ctx),
		},
	}
}

func buildGlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Usage:   "Enable debug mode with detailed logging",
			EnvVars: []string{"PONTEM_NODE_DEBUG"},
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "Log level (debug, info, warn, error, fatal)",
			EnvVars: []string{"PONTEM_NODE_LOG_LEVEL"},
		},
		&cli.PathFlag{
			Name:    flagConfigPath,
			Aliases: []string{"c"},
			Value:   "./data/node-config.yml",
			EnvVars: []string{"PONTEM_NODE_CONFIG"},
			Usage:   "Path to the node configuration YAML file",
		},
	}
}

func setupLogger(c *cli.Context) error {
	cfg := logger.Config{
		Format:       logger.PlaintextOutput,
		DefaultLevel: "info",
	}

	// --log-level flag
	if logLevel := c.String(flagLogLevel); logLevel != "" {
		cfg.DefaultLevel = logLevel
	}

	// --debug flag (overrides everything)
	if c.Bool(flagDebug) {
		cfg.DefaultLevel = "debug"
		cfg.Format = logger.ColorizedOutput
	}

	cfg.ApplyGlobal()
	return nil
}
