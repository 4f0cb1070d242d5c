package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/cmd"
)

var log = logger.NewNamed("main")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := cmd.Root(ctx).Run(os.Args); err != nil {
		cancel()
		log.Fatal("node exited with error", zap.Error(err))
	}
}
