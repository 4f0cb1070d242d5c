package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/nimbus"
)

const (
	fKeyType       = "key-type"
	fKeyFromConfig = "from-config"
)

var errNoKeystore = errors.New("config has no storage path, the keystore is in memory only")

func cmdKey(_ context.Context) *cli.Command {
	keyTypeFlag := &cli.StringFlag{
		Name:  fKeyType,
		Value: string(nimbus.KeyType),
		Usage: "Four character keystore key type",
	}

	return &cli.Command{
		Name:  "key",
		Usage: "Manage the node keystore",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Add an author key to the keystore and print its public part",
				Flags: []cli.Flag{
					keyTypeFlag,
					&cli.BoolFlag{
						Name:  fKeyFromConfig,
						Usage: "Insert the config account author key instead of a random one",
					},
				},
				Action: func(cCtx *cli.Context) error {
					cfg := loadOrCreateConfig(cCtx.String(flagConfigPath))
					store, err := openKeystore(cfg.KeystorePath())
					if err != nil {
						return err
					}

					kt := keystore.KeyType(cCtx.String(fKeyType))
					var pub []byte
					if cCtx.Bool(fKeyFromConfig) {
						pub, err = store.Insert(kt, cfg.Account.AuthorKey)
					} else {
						pub, err = store.Generate(kt)
					}
					if err != nil {
						return fmt.Errorf("add %s key: %w", kt, err)
					}

					log.Info("key added", zap.String("type", string(kt)), zap.String("path", cfg.KeystorePath()))
					fmt.Fprintln(cCtx.App.Writer, "0x"+hex.EncodeToString(pub))
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "Print the public keys of a type",
				Flags: []cli.Flag{keyTypeFlag},
				Action: func(cCtx *cli.Context) error {
					cfg := loadOrCreateConfig(cCtx.String(flagConfigPath))
					store, err := openKeystore(cfg.KeystorePath())
					if err != nil {
						return err
					}

					keys, err := store.Keys(keystore.KeyType(cCtx.String(fKeyType)))
					if err != nil {
						return err
					}
					for _, pub := range keys {
						fmt.Fprintln(cCtx.App.Writer, "0x"+hex.EncodeToString(pub))
					}
					return nil
				},
			},
		},
	}
}

func openKeystore(path string) (*keystore.Store, error) {
	if path == "" {
		return nil, errNoKeystore
	}
	container, err := keystore.NewContainer(path)
	if err != nil {
		return nil, err
	}
	return container.SyncKeystore(), nil
}
