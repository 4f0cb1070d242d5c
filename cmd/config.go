package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	nodeCfg "github.com/grishy/pontem-node/config"
)

const (
	fForce       = "force"
	fStorage     = "storage"
	fChain       = "chain"
	fRelayChain  = "relay-chain"
	fParaID      = "para-id"
	fNodeName    = "name"
	fRole        = "role"
	fConfigPrint = "print"

	defaultStoragePath = "./data/storage/"
)

func cmdConfig(_ context.Context) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the node configuration",
		Subcommands: []*cli.Command{
			cmdConfigNode(),
		},
	}
}

func cmdConfigNode() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Generate a new node configuration file with fresh keys",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    fForce,
				Aliases: []string{"f"},
				Usage:   "Force overwrite if configuration file already exists",
				EnvVars: []string{"PONTEM_NODE_FORCE"},
			},
			&cli.PathFlag{
				Name:    fStorage,
				Value:   defaultStoragePath,
				EnvVars: []string{"PONTEM_NODE_STORAGE"},
				Usage:   "Path to the node data directory (must be writable), empty keeps everything in memory",
			},
			&cli.StringFlag{
				Name:    fChain,
				Value:   "local",
				EnvVars: []string{"PONTEM_NODE_CHAIN"},
				Usage:   "Parachain spec id (dev, local) or chain spec file path",
			},
			&cli.StringFlag{
				Name:    fRelayChain,
				EnvVars: []string{"PONTEM_NODE_RELAY_CHAIN"},
				Usage:   "Relay chain spec id or path, defaults to the relay chain of the parachain spec",
			},
			&cli.Uint64Flag{
				Name:    fParaID,
				EnvVars: []string{"PONTEM_NODE_PARA_ID"},
				Usage:   "Parachain id, defaults to the one of the parachain spec",
			},
			&cli.StringFlag{
				Name:    fNodeName,
				EnvVars: []string{"PONTEM_NODE_NAME"},
				Usage:   "Human readable node name reported to telemetry",
			},
			&cli.StringFlag{
				Name:    fRole,
				Value:   "authority",
				EnvVars: []string{"PONTEM_NODE_ROLE"},
				Usage:   "Parachain node role (authority, full)",
			},
			&cli.BoolFlag{
				Name:  fConfigPrint,
				Usage: "Print the generated author id",
			},
		},
		Action: func(cCtx *cli.Context) error {
			cfgPath := cCtx.String(flagConfigPath)
			forceOverwrite := cCtx.Bool(fForce)

			paraID, err := paraIDFlag(cCtx, fParaID)
			if err != nil {
				return err
			}

			// Prevent accidental config overwrite.
			if !forceOverwrite {
				if _, err := os.Stat(cfgPath); err == nil {
					return fmt.Errorf(
						"configuration file already exists at '%s', use --%s to overwrite",
						cfgPath,
						fForce,
					)
				}
			}

			log.Info("generating new node configuration",
				zap.String("path", cfgPath),
				zap.String("chain", cCtx.String(fChain)),
				zap.String("relay_chain", cCtx.String(fRelayChain)),
			)

			cfg := nodeCfg.CreateWrite(&nodeCfg.CreateOptions{
				CfgPath:     cfgPath,
				StoragePath: cCtx.String(fStorage),
				NodeName:    cCtx.String(fNodeName),
				Chain:       cCtx.String(fChain),
				RelayChain:  cCtx.String(fRelayChain),
				ParaID:      paraID,
				Role:        cCtx.String(fRole),
			})

			// Fail early on a config the node could not start with.
			if _, err := cfg.ParachainConfiguration(); err != nil {
				return fmt.Errorf("generated configuration is invalid: %w", err)
			}

			if cCtx.Bool(fConfigPrint) {
				fmt.Fprintln(cCtx.App.Writer, cfg.Account.Author)
			}

			log.Info("node configuration written successfully", zap.String("node_name", cfg.NodeName))
			return nil
		},
	}
}
