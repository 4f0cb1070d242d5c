package parachain

import (
	"github.com/anyproto/any-sync/app/logger"

	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/service"
)

const CName = "parachain"

var log = logger.NewNamed(CName)

// PrepareNodeConfig adapts a node configuration for a parachain node. Blocks
// are announced by the collator with relay chain data attached, so the network
// must not announce imported blocks on its own.
func PrepareNodeConfig(cfg service.Configuration) service.Configuration {
	cfg.Network.AnnounceBlocks = false
	return cfg
}

// SharedImportQueue is an import queue driven by both the network and the
// parachain consensus follower.
type SharedImportQueue = importqueue.Shared

func NewSharedImportQueue(inner importqueue.ImportQueue) *SharedImportQueue {
	return importqueue.NewShared(inner)
}
