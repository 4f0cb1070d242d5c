// Package parachain ties a parachain node to its relay chain: it validates
// block announcements, follows included heads and runs the collator.
package parachain

import (
	"context"

	"github.com/grishy/pontem-node/authorship"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
)

// ParaID identifies a parachain on its relay chain.
type ParaID uint32

// ParachainCandidate is a sealed parachain block with the proof the relay
// chain validators need to check it.
type ParachainCandidate struct {
	Block *chain.Block
	Proof *authorship.StorageProof
}

// ParachainConsensus produces candidates on top of a parachain parent for a
// given relay parent. It returns nil when this node must not author now.
type ParachainConsensus interface {
	ProduceCandidate(ctx context.Context, parent *chain.Header, relayParent chain.Hash, validationData *inherents.PersistedValidationData) (*ParachainCandidate, error)
}
