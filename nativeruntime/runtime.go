package nativeruntime

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/inherents"
)

const CName = "node.nativeruntime"

var log = logger.NewNamed(CName)

const (
	MaxExtrinsicSize     = 5 << 20
	TransactionLongevity = 64
	// MaxTimestampDrift bounds how far a block timestamp may run ahead of the
	// importing node's clock.
	MaxTimestampDrift = 60 * time.Second
)

var Version = executor.RuntimeVersion{
	SpecName:           "pontem",
	ImplName:           "pontem-node",
	SpecVersion:        1,
	ImplVersion:        0,
	TransactionVersion: 1,
}

// Genesis is the runtime part of the chain spec.
type Genesis struct {
	// Authorities are the ed25519 public keys eligible to author. Empty means everyone.
	Authorities [][]byte `bson:"authorities" yaml:"authorities"`
	ParaID      uint32   `bson:"paraId" yaml:"paraId"`
}

// StateRoot commits to the genesis configuration.
func (g Genesis) StateRoot() chain.Hash {
	return chain.HashBytes(Encode(g))
}

// Runtime is the native runtime. It holds no state of its own beyond genesis.
type Runtime struct {
	genesis Genesis
}

func New(genesis Genesis) *Runtime {
	return &Runtime{genesis: genesis}
}

func (r *Runtime) Genesis() Genesis {
	return r.genesis
}

func (r *Runtime) Version() executor.RuntimeVersion {
	return Version
}

// Dispatch implements executor.NativeDispatch.
func (r *Runtime) Dispatch(ctx context.Context, method string, data []byte) ([]byte, bool, error) {
	var (
		out any
		err error
	)
	switch method {
	case MethodVersion:
		out = Version
	case MethodValidateTransaction:
		out, err = r.validateTransaction(data)
	case MethodInherentExtrinsics:
		return r.inherentExtrinsics(data)
	case MethodApplyExtrinsic:
		out = r.applyExtrinsic(chain.Extrinsic(data))
	case MethodCheckInherents:
		out, err = r.checkInherents(data)
	case MethodCanAuthor:
		out, err = r.canAuthor(data)
	case MethodOffchainWorker:
		return nil, true, r.offchainWorker(ctx, data)
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return Encode(out), true, nil
}

func (r *Runtime) validateTransaction(data []byte) (TransactionValidity, error) {
	var req ValidateTransactionRequest
	if err := Decode(data, &req); err != nil {
		return TransactionValidity{}, err
	}
	switch {
	case len(req.Tx) == 0:
		return TransactionValidity{Invalid: "empty transaction"}, nil
	case len(req.Tx) > MaxExtrinsicSize:
		return TransactionValidity{Invalid: "exhausts resources"}, nil
	case IsInherent(req.Tx):
		return TransactionValidity{Invalid: "inherents cannot be submitted"}, nil
	}

	provides := chain.HashBytes(req.Tx)
	return TransactionValidity{Valid: &ValidTransaction{
		Priority:  uint64(len(req.Tx)),
		Provides:  [][]byte{provides.Bytes()},
		Longevity: TransactionLongevity,
		Propagate: req.Source != SourceInBlock,
	}}, nil
}

func (r *Runtime) inherentExtrinsics(data []byte) ([]byte, bool, error) {
	d, err := inherents.DecodeData(data)
	if err != nil {
		return nil, true, err
	}
	xts := make([]chain.Extrinsic, 0, d.Len())
	for _, id := range d.Identifiers() {
		xts = append(xts, EncodeInherentExtrinsic(id, d.Raw(id)))
	}
	return chain.EncodeExtrinsics(xts), true, nil
}

func (r *Runtime) applyExtrinsic(x chain.Extrinsic) ApplyExtrinsicResult {
	switch {
	case len(x) == 0:
		return ApplyExtrinsicResult{Error: "empty extrinsic"}
	case len(x) > MaxExtrinsicSize:
		return ApplyExtrinsicResult{Error: "exhausts resources"}
	}
	if _, _, ok, err := DecodeInherentExtrinsic(x); ok && err != nil {
		return ApplyExtrinsicResult{Error: err.Error()}
	}
	return ApplyExtrinsicResult{}
}

func (r *Runtime) checkInherents(data []byte) (CheckInherentsResult, error) {
	var req CheckInherentsRequest
	if err := Decode(data, &req); err != nil {
		return CheckInherentsResult{}, err
	}
	block, err := chain.DecodeBlock(req.Block)
	if err != nil {
		return CheckInherentsResult{}, err
	}
	expected, err := inherents.DecodeData(req.Data)
	if err != nil {
		return CheckInherentsResult{}, err
	}

	res := CheckInherentsResult{Ok: true, Errors: map[string]string{}}
	fail := func(id inherents.Identifier, msg string) {
		res.Ok = false
		res.Errors[id.String()] = msg
	}

	expectedTs, hasTs, err := inherents.TimestampOf(expected)
	if err != nil {
		return CheckInherentsResult{}, err
	}
	if !hasTs {
		return res, nil
	}

	blockData := inherents.NewData()
	for _, x := range block.Extrinsics {
		id, value, ok, err := DecodeInherentExtrinsic(x)
		if err != nil {
			fail(id, err.Error())
			continue
		}
		if ok {
			blockData.PutRaw(id, value)
		}
	}

	blockTs, ok, err := inherents.TimestampOf(blockData)
	switch {
	case err != nil:
		fail(inherents.TimestampIdentifier, err.Error())
	case !ok:
		fail(inherents.TimestampIdentifier, "timestamp inherent missing")
	case blockTs > expectedTs+uint64(MaxTimestampDrift.Milliseconds()):
		fail(inherents.TimestampIdentifier, fmt.Sprintf("timestamp %d too far in the future (now %d)", blockTs, expectedTs))
	}
	return res, nil
}

func (r *Runtime) canAuthor(data []byte) (CanAuthorResult, error) {
	var req CanAuthorRequest
	if err := Decode(data, &req); err != nil {
		return CanAuthorResult{}, err
	}
	authorities := r.genesis.Authorities
	if len(authorities) == 0 {
		return CanAuthorResult{Eligible: true}, nil
	}
	// One author per relay parent, rotating through the authority set.
	slot := int(req.RelayParentNumber) % len(authorities)
	return CanAuthorResult{Eligible: bytes.Equal(authorities[slot], req.Author)}, nil
}

func (r *Runtime) offchainWorker(ctx context.Context, data []byte) error {
	header, err := chain.DecodeHeader(data)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Debug("offchain worker", zap.Uint64("number", header.Number), zap.String("hash", header.Hash().String()))
	return nil
}

// NextStateRoot is the state root after applying a body with the given root on
// top of parentStateRoot.
func NextStateRoot(parentStateRoot, extrinsicsRoot chain.Hash) chain.Hash {
	buf := make([]byte, 0, 2*chain.HashSize)
	buf = append(buf, parentStateRoot[:]...)
	return chain.HashBytes(append(buf, extrinsicsRoot[:]...))
}
