package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/parachain"
)

const (
	// Mocked relay chain height of dev blocks: relayOffset plus
	// relayBlocksPerParaBlock for every parachain block.
	devRelayOffset             = 1000
	devRelayBlocksPerParaBlock = 2
)

var ErrCreateParachainInherent = errors.New("Failed to create parachain inherent")

// timestampInherents feeds the nimbus import queue.
type timestampInherents struct{}

func (timestampInherents) CreateInherentDataProviders(context.Context, chain.Hash, struct{}) (inherents.Providers, error) {
	return inherents.Providers{inherents.FromSystemTime()}, nil
}

// BlockNumbers resolves the number of a known block.
type BlockNumbers interface {
	Number(h chain.Hash) (uint64, bool, error)
}

// devInherents mocks the relay chain for dev blocks.
type devInherents struct {
	client BlockNumbers
	author nimbus.ID
}

// CreateInherentDataProviders panics when the parent is unknown: the seal
// loop only builds on blocks it selected from the client.
func (d devInherents) CreateInherentDataProviders(_ context.Context, parent chain.Hash, _ struct{}) (inherents.Providers, error) {
	number, ok, err := d.client.Number(parent)
	if err != nil {
		panic(fmt.Sprintf("header lookup for %s failed: %v", parent, err))
	}
	if !ok {
		panic(fmt.Sprintf("header for %s not found", parent))
	}
	return inherents.Providers{
		inherents.FromSystemTime(),
		inherents.MockValidationDataProvider{
			CurrentParaBlock:        number,
			RelayOffset:             devRelayOffset,
			RelayBlocksPerParaBlock: devRelayBlocksPerParaBlock,
		},
		nimbus.AuthorProvider{ID: d.author},
	}, nil
}

// collatorInherents builds collation inherents from relay chain state.
type collatorInherents struct {
	relayClient  inherents.RelayClient
	relayBackend inherents.RelayBackend
	paraID       parachain.ParaID
}

func (c collatorInherents) CreateInherentDataProviders(ctx context.Context, _ chain.Hash, extra nimbus.CollationExtra) (inherents.Providers, error) {
	parachainInherent := inherents.CreateAtWithClient(ctx, c.relayClient, c.relayBackend, extra.RelayParent, extra.ValidationData, uint32(c.paraID))
	if parachainInherent == nil {
		return nil, ErrCreateParachainInherent
	}
	return inherents.Providers{
		inherents.FromSystemTime(),
		parachainInherent,
		nimbus.AuthorProvider{ID: extra.Author},
	}, nil
}
