package parachain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/network"
)

// HeadsEngine tags relay chain digest items that carry included parachain heads.
const HeadsEngine = "para"

var (
	ErrRelayChainSyncing  = errors.New("relay chain is major syncing")
	ErrUnknownRelayParent = errors.New("unknown relay parent")
)

// RelayChainClient is the relay chain view of the parachain node.
type RelayChainClient interface {
	Info() (backend.Info, error)
	Header(h chain.Hash) (*chain.Header, error)
	ImportNotificationStream() (<-chan client.BlockImportNotification, func())
}

// RelayChainBackend stores inclusion records in relay chain aux storage.
type RelayChainBackend interface {
	GetAux(key []byte) ([]byte, error)
	PutAux(key, value []byte) error
}

type RelayChainNetwork interface {
	IsMajorSyncing() bool
}

// IncludedHeadKey is the relay aux key of the last parachain head included
// by the relay chain.
func IncludedHeadKey(paraID ParaID) []byte {
	return binary.BigEndian.AppendUint32([]byte("para/head/"), uint32(paraID))
}

// CollationKey is the relay aux key of a collated parachain block.
func CollationKey(paraID ParaID, hash chain.Hash) []byte {
	key := binary.BigEndian.AppendUint32([]byte("para/collation/"), uint32(paraID))
	return append(key, hash[:]...)
}

// IncludedHead reads the last included parachain head. ok is false while
// nothing was included yet.
func IncludedHead(b RelayChainBackend, paraID ParaID) (head *chain.Header, ok bool, err error) {
	raw, err := b.GetAux(IncludedHeadKey(paraID))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if head, err = chain.DecodeHeader(raw); err != nil {
		return nil, false, fmt.Errorf("decode included head: %w", err)
	}
	return head, true, nil
}

type headDigest struct {
	ParaID uint32 `bson:"paraId"`
	Head   []byte `bson:"head"`
}

// HeadDigest is the relay header digest item including a parachain head.
func HeadDigest(paraID ParaID, head *chain.Header) chain.DigestItem {
	data, err := bson.Marshal(headDigest{ParaID: uint32(paraID), Head: chain.EncodeHeader(head)})
	if err != nil {
		panic(err)
	}
	return chain.DigestItem{Kind: chain.DigestOther, Engine: HeadsEngine, Data: data}
}

// HeadFromDigest finds the head of paraID included by a relay header.
func HeadFromDigest(relayHeader *chain.Header, paraID ParaID) (*chain.Header, bool) {
	for _, item := range relayHeader.Digest {
		if item.Kind != chain.DigestOther || item.Engine != HeadsEngine {
			continue
		}
		var d headDigest
		if err := bson.Unmarshal(item.Data, &d); err != nil || d.ParaID != uint32(paraID) {
			continue
		}
		head, err := chain.DecodeHeader(d.Head)
		if err != nil {
			continue
		}
		return head, true
	}
	return nil, false
}

// BlockAnnounceData is attached by collators to their block announcements.
type BlockAnnounceData struct {
	RelayParent chain.Hash
	ParaID      ParaID
}

type blockAnnounceDoc struct {
	RelayParent []byte `bson:"relayParent"`
	ParaID      uint32 `bson:"paraId"`
}

func (d BlockAnnounceData) Encode() []byte {
	data, err := bson.Marshal(blockAnnounceDoc{RelayParent: d.RelayParent.Bytes(), ParaID: uint32(d.ParaID)})
	if err != nil {
		panic(err)
	}
	return data
}

func DecodeBlockAnnounceData(data []byte) (BlockAnnounceData, error) {
	var doc blockAnnounceDoc
	if err := bson.Unmarshal(data, &doc); err != nil {
		return BlockAnnounceData{}, fmt.Errorf("decode block announce data: %w", err)
	}
	relayParent, err := chain.HashFromBytes(doc.RelayParent)
	if err != nil {
		return BlockAnnounceData{}, fmt.Errorf("decode block announce data: %w", err)
	}
	return BlockAnnounceData{RelayParent: relayParent, ParaID: ParaID(doc.ParaID)}, nil
}

type blockAnnounceValidator struct {
	relayClient  RelayChainClient
	relayBackend RelayChainBackend
	relayNetwork RelayChainNetwork
	paraID       ParaID
}

// BuildBlockAnnounceValidator checks parachain block announcements against
// the relay chain. Announcements without data are accepted only up to the
// included head. Collator announcements must name this parachain and a relay
// parent the relay chain knows.
func BuildBlockAnnounceValidator(
	relayClient RelayChainClient,
	relayBackend RelayChainBackend,
	relayNetwork RelayChainNetwork,
	paraID ParaID,
) network.BlockAnnounceValidator {
	return &blockAnnounceValidator{
		relayClient:  relayClient,
		relayBackend: relayBackend,
		relayNetwork: relayNetwork,
		paraID:       paraID,
	}
}

func (v *blockAnnounceValidator) Validate(_ context.Context, header *chain.Header, data []byte) (network.Validation, error) {
	if v.relayNetwork.IsMajorSyncing() {
		return network.ValidationFailure, ErrRelayChainSyncing
	}

	if len(data) == 0 {
		included, ok, err := IncludedHead(v.relayBackend, v.paraID)
		if err != nil {
			return network.ValidationFailure, err
		}
		if ok && header.Number <= included.Number {
			return network.ValidationSuccess, nil
		}
		log.Debug("announcement without data above the included head", zap.Uint64("number", header.Number))
		return network.ValidationFailure, nil
	}

	d, err := DecodeBlockAnnounceData(data)
	if err != nil {
		log.Debug("invalid block announce data", zap.Error(err))
		return network.ValidationFailure, nil
	}
	if d.ParaID != v.paraID {
		log.Debug("announcement for another parachain", zap.Uint32("para_id", uint32(d.ParaID)))
		return network.ValidationFailure, nil
	}
	if _, err = v.relayClient.Header(d.RelayParent); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return network.ValidationFailure, fmt.Errorf("%w: %s", ErrUnknownRelayParent, d.RelayParent)
		}
		return network.ValidationFailure, err
	}
	return network.ValidationSuccess, nil
}
