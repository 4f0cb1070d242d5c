package inherents

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
)

var log = logger.NewNamed("inherents")

var ParachainIdentifier = NewIdentifier("sysi1337")

// PersistedValidationData is the relay chain view a candidate is built against.
type PersistedValidationData struct {
	ParentHead             []byte `bson:"parentHead"`
	RelayParentNumber      uint32 `bson:"relayParentNumber"`
	RelayParentStorageRoot []byte `bson:"relayParentStorageRoot"`
	MaxPovSize             uint32 `bson:"maxPovSize"`
}

// ParachainInherentData is the parachain system inherent.
type ParachainInherentData struct {
	ValidationData   PersistedValidationData `bson:"validationData"`
	RelayChainState  [][]byte                `bson:"relayChainState"`
	DownwardMessages [][]byte                `bson:"downwardMessages"`
}

func (p *ParachainInherentData) ProvideInherentData(_ context.Context, data *Data) error {
	return data.Put(ParachainIdentifier, p)
}

// RelayClient reads relay chain headers.
type RelayClient interface {
	Header(hash chain.Hash) (*chain.Header, error)
}

// RelayBackend reads relay chain auxiliary storage.
type RelayBackend interface {
	GetAux(key []byte) ([]byte, error)
}

// DownwardQueueKey is the relay aux key holding downward messages for a parachain.
func DownwardQueueKey(paraID uint32, relayParent chain.Hash) []byte {
	key := make([]byte, 0, 4+4+chain.HashSize)
	key = append(key, "dmq/"...)
	key = binary.BigEndian.AppendUint32(key, paraID)
	return append(key, relayParent[:]...)
}

// CreateAtWithClient builds the parachain inherent at relayParent. It returns
// nil when the relay chain state needed for it is unavailable.
func CreateAtWithClient(
	ctx context.Context,
	relayClient RelayClient,
	relayBackend RelayBackend,
	relayParent chain.Hash,
	validationData PersistedValidationData,
	paraID uint32,
) *ParachainInherentData {
	if ctx.Err() != nil {
		return nil
	}
	header, err := relayClient.Header(relayParent)
	if err != nil {
		log.Error("collect relay chain state",
			zap.String("relayParent", relayParent.String()),
			zap.Uint32("paraId", paraID),
			zap.Error(err))
		return nil
	}

	messages, err := downwardMessages(relayBackend, DownwardQueueKey(paraID, relayParent))
	if err != nil {
		log.Error("collect downward messages", zap.Uint32("paraId", paraID), zap.Error(err))
		return nil
	}

	return &ParachainInherentData{
		ValidationData:   validationData,
		RelayChainState:  [][]byte{chain.EncodeHeader(header)},
		DownwardMessages: messages,
	}
}

func downwardMessages(relayBackend RelayBackend, key []byte) ([][]byte, error) {
	raw, err := relayBackend.GetAux(key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	xts, err := chain.DecodeExtrinsics(raw)
	if err != nil {
		return nil, fmt.Errorf("decode downward queue: %w", err)
	}
	out := make([][]byte, len(xts))
	for i, x := range xts {
		out[i] = x
	}
	return out, nil
}

// MockValidationDataProvider fabricates a parachain inherent for chains that run
// without a relay chain. The synthetic relay height advances with para height.
type MockValidationDataProvider struct {
	CurrentParaBlock        uint64
	RelayOffset             uint32
	RelayBlocksPerParaBlock uint32
}

// RelayParentNumber is the synthetic relay chain height of the next block.
func (m MockValidationDataProvider) RelayParentNumber() uint32 {
	return m.RelayOffset + m.RelayBlocksPerParaBlock*uint32(m.CurrentParaBlock)
}

func (m MockValidationDataProvider) ProvideInherentData(ctx context.Context, data *Data) error {
	relayNumber := m.RelayParentNumber()
	mocked := &ParachainInherentData{
		ValidationData: PersistedValidationData{
			RelayParentNumber:      relayNumber,
			RelayParentStorageRoot: chain.HashBytes(binary.BigEndian.AppendUint32(nil, relayNumber)).Bytes(),
		},
	}
	return mocked.ProvideInherentData(ctx, data)
}

// ParachainInherentOf reads the parachain inherent from data.
func ParachainInherentOf(data *Data) (*ParachainInherentData, bool, error) {
	var p ParachainInherentData
	ok, err := data.Get(ParachainIdentifier, &p)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &p, true, nil
}
