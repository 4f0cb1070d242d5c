// Package nativeruntime is the runtime compiled into the node binary. It serves
// the runtime API calls the node issues through the executor.
package nativeruntime

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
)

// Runtime API methods.
const (
	MethodVersion             = "Core_version"
	MethodValidateTransaction = "TaggedTransactionQueue_validate_transaction"
	MethodInherentExtrinsics  = "BlockBuilder_inherent_extrinsics"
	MethodApplyExtrinsic      = "BlockBuilder_apply_extrinsic"
	MethodCheckInherents      = "BlockBuilder_check_inherents"
	MethodCanAuthor           = "AuthorFilterAPI_can_author"
	MethodOffchainWorker      = "OffchainWorkerApi_offchain_worker"
)

// TransactionSource tells where a transaction came from.
type TransactionSource string

const (
	SourceInBlock  TransactionSource = "inBlock"
	SourceLocal    TransactionSource = "local"
	SourceExternal TransactionSource = "external"
)

type ValidateTransactionRequest struct {
	Source TransactionSource `bson:"source"`
	Tx     []byte            `bson:"tx"`
	At     []byte            `bson:"at"`
}

// ValidTransaction carries the pool ordering information of a valid transaction.
type ValidTransaction struct {
	Priority  uint64   `bson:"priority"`
	Requires  [][]byte `bson:"requires"`
	Provides  [][]byte `bson:"provides"`
	Longevity uint64   `bson:"longevity"`
	Propagate bool     `bson:"propagate"`
}

// TransactionValidity is either Valid or an Invalid reason.
type TransactionValidity struct {
	Valid   *ValidTransaction `bson:"valid,omitempty"`
	Invalid string            `bson:"invalid,omitempty"`
}

type ApplyExtrinsicResult struct {
	Error string `bson:"error,omitempty"`
}

type CheckInherentsRequest struct {
	Block []byte `bson:"block"`
	Data  []byte `bson:"data"`
}

// CheckInherentsResult lists the inherent check failures by identifier.
type CheckInherentsResult struct {
	Ok     bool              `bson:"ok"`
	Errors map[string]string `bson:"errors,omitempty"`
}

type CanAuthorRequest struct {
	Author            []byte `bson:"author"`
	RelayParentNumber uint32 `bson:"relayParentNumber"`
	Parent            []byte `bson:"parent"`
}

type CanAuthorResult struct {
	Eligible bool `bson:"eligible"`
}

// Inherent extrinsics start with inherentPrefix; every other extrinsic is a transaction.
const inherentPrefix byte = 0x00

type inherentDoc struct {
	ID    []byte `bson:"id"`
	Value []byte `bson:"value"`
}

func EncodeInherentExtrinsic(id inherents.Identifier, value []byte) chain.Extrinsic {
	raw, err := bson.Marshal(inherentDoc{ID: id[:], Value: value})
	if err != nil {
		panic(fmt.Sprintf("encode inherent extrinsic: %v", err))
	}
	return append(chain.Extrinsic{inherentPrefix}, raw...)
}

// DecodeInherentExtrinsic returns the identifier and value of an inherent
// extrinsic; ok is false for transactions.
func DecodeInherentExtrinsic(x chain.Extrinsic) (id inherents.Identifier, value []byte, ok bool, err error) {
	if !IsInherent(x) {
		return id, nil, false, nil
	}
	var doc inherentDoc
	if err = bson.Unmarshal(x[1:], &doc); err != nil {
		return id, nil, true, fmt.Errorf("decode inherent extrinsic: %w", err)
	}
	if len(doc.ID) != len(id) {
		return id, nil, true, fmt.Errorf("decode inherent extrinsic: identifier of %d bytes", len(doc.ID))
	}
	copy(id[:], doc.ID)
	return id, doc.Value, true, nil
}

func IsInherent(x chain.Extrinsic) bool {
	return len(x) > 0 && x[0] == inherentPrefix
}

// Encode marshals a runtime API message.
func Encode(v any) []byte {
	data, err := bson.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode runtime message %T: %v", v, err))
	}
	return data
}

// Decode unmarshals a runtime API message.
func Decode(data []byte, v any) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode runtime message %T: %w", v, err)
	}
	return nil
}
