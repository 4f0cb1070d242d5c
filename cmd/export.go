package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/node"
)

const (
	fExportFrom   = "from"
	fExportTo     = "to"
	fExportOutput = "output"
)

var errExportRange = errors.New("invalid block range")

func cmdExportBlocks(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "export-blocks",
		Usage: "Export parachain blocks as concatenated BSON documents",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  fExportFrom,
				Usage: "First block number to export",
			},
			&cli.Uint64Flag{
				Name:  fExportTo,
				Usage: "Last block number to export, 0 exports up to the best block",
			},
			&cli.PathFlag{
				Name:    fExportOutput,
				Aliases: []string{"o"},
				Value:   "-",
				Usage:   "Output file, - writes to stdout",
			},
		},
		Action: func(cCtx *cli.Context) error {
			cfg := loadOrCreateConfig(cCtx.String(flagConfigPath))
			paraCfg, err := cfg.ParachainConfiguration()
			if err != nil {
				return err
			}

			partial, err := node.NewPartial(ctx, paraCfg, false)
			if err != nil {
				return err
			}
			defer func() {
				if errClose := partial.TaskManager.Close(context.Background()); errClose != nil {
					log.Warn("close partial components", zap.Error(errClose))
				}
			}()

			var out io.Writer = cCtx.App.Writer
			if path := cCtx.String(fExportOutput); path != "-" {
				f, errCreate := os.Create(path)
				if errCreate != nil {
					return fmt.Errorf("create output: %w", errCreate)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			w := bufio.NewWriter(out)
			n, err := exportBlocks(ctx, partial.Client, w, cCtx.Uint64(fExportFrom), cCtx.Uint64(fExportTo))
			if err != nil {
				return err
			}
			if err = w.Flush(); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			log.Info("blocks exported", zap.Int("count", n))
			return nil
		},
	}
}

// exportBlocks writes the blocks from..to of the canonical chain. A zero to
// means the best block.
func exportBlocks(ctx context.Context, c *client.Client, w io.Writer, from, to uint64) (int, error) {
	info, err := c.Info()
	if err != nil {
		return 0, err
	}
	if to == 0 || to > info.BestNumber {
		to = info.BestNumber
	}
	if from > to {
		return 0, fmt.Errorf("%w: %d..%d, best block is %d", errExportRange, from, to, info.BestNumber)
	}

	count := 0
	for number := from; number <= to; number++ {
		if err = ctx.Err(); err != nil {
			return count, err
		}
		hash, ok, err := c.Hash(number)
		if err != nil {
			return count, err
		}
		if !ok {
			return count, fmt.Errorf("block #%d not found", number)
		}
		block, err := c.Block(hash)
		if err != nil {
			return count, fmt.Errorf("block #%d: %w", number, err)
		}
		if _, err = w.Write(chain.EncodeBlock(block)); err != nil {
			return count, fmt.Errorf("write output: %w", err)
		}
		count++
	}
	return count, nil
}
