package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/txpool"
)

// PoolClient is the chain access of the author_* methods.
type PoolClient interface {
	Info() (backend.Info, error)
}

// TransactionPool is the pool access of the author_* methods.
type TransactionPool interface {
	SubmitOne(ctx context.Context, at chain.Hash, source nativeruntime.TransactionSource, xt chain.Extrinsic) (chain.Hash, error)
	Ready() []*txpool.Transaction
	Remove(hashes []chain.Hash)
	Status() txpool.Status
}

// FullDeps are the dependencies of the node specific RPC methods.
type FullDeps struct {
	Client     PoolClient
	Pool       TransactionPool
	DenyUnsafe DenyUnsafe
}

type PoolStatus struct {
	Ready      int `json:"ready"`
	ReadyBytes int `json:"readyBytes"`
}

// CreateFull builds the node specific methods: transaction submission and
// pool inspection.
func CreateFull(deps FullDeps) (*Module, error) {
	if deps.Client == nil || deps.Pool == nil {
		return nil, errors.New("rpc: client and pool are required")
	}
	m := NewModule()

	err := m.Register("author_submitExtrinsic", func(ctx context.Context, params json.RawMessage) (any, error) {
		var xt Bytes
		if err := ParseParams(params, &xt); err != nil {
			return nil, err
		}
		if len(xt) == 0 {
			return nil, InvalidParams(errors.New("empty extrinsic"))
		}
		info, err := deps.Client.Info()
		if err != nil {
			return nil, err
		}
		h, err := deps.Pool.SubmitOne(ctx, info.BestHash, nativeruntime.SourceLocal, chain.Extrinsic(xt))
		if err != nil {
			return nil, &Error{Code: 1010, Message: "Invalid Transaction", Data: err.Error()}
		}
		return h.String(), nil
	})
	if err != nil {
		return nil, err
	}

	if err = m.Register("author_pendingExtrinsics", func(context.Context, json.RawMessage) (any, error) {
		ready := deps.Pool.Ready()
		out := make([]Bytes, 0, len(ready))
		for _, tx := range ready {
			out = append(out, Bytes(tx.Data()))
		}
		return out, nil
	}); err != nil {
		return nil, err
	}

	if err = m.Register("author_removeExtrinsic", func(_ context.Context, params json.RawMessage) (any, error) {
		if err := deps.DenyUnsafe.Check(); err != nil {
			return nil, err
		}
		var hashes []string
		if err := ParseParams(params, &hashes); err != nil {
			return nil, err
		}
		parsed := make([]chain.Hash, 0, len(hashes))
		out := make([]string, 0, len(hashes))
		for _, s := range hashes {
			h, err := chain.ParseHash(s)
			if err != nil {
				return nil, InvalidParams(err)
			}
			parsed = append(parsed, h)
			out = append(out, h.String())
		}
		deps.Pool.Remove(parsed)
		return out, nil
	}); err != nil {
		return nil, err
	}

	if err = m.Register("txpool_status", func(context.Context, json.RawMessage) (any, error) {
		st := deps.Pool.Status()
		return PoolStatus{Ready: st.Ready, ReadyBytes: st.ReadyBytes}, nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// KeystoreModule serves author_insertKey, author_hasKey and author_rotateKeys.
// All of them are unsafe.
func KeystoreModule(ks *keystore.Store, deny DenyUnsafe, rotateType keystore.KeyType) *Module {
	m := NewModule()

	_ = m.Register("author_insertKey", func(_ context.Context, params json.RawMessage) (any, error) {
		if err := deny.Check(); err != nil {
			return nil, err
		}
		var keyType, encoded string
		if err := ParseParams(params, &keyType, &encoded); err != nil {
			return nil, err
		}
		pub, err := ks.Insert(keystore.KeyType(keyType), encoded)
		if err != nil {
			return nil, InvalidParams(err)
		}
		return Bytes(pub), nil
	})

	_ = m.Register("author_hasKey", func(_ context.Context, params json.RawMessage) (any, error) {
		if err := deny.Check(); err != nil {
			return nil, err
		}
		var pub Bytes
		var keyType string
		if err := ParseParams(params, &pub, &keyType); err != nil {
			return nil, err
		}
		return ks.HasKeys(keystore.KeyType(keyType), [][]byte{pub}), nil
	})

	_ = m.Register("author_rotateKeys", func(context.Context, json.RawMessage) (any, error) {
		if err := deny.Check(); err != nil {
			return nil, err
		}
		pub, err := ks.Generate(rotateType)
		if err != nil {
			return nil, fmt.Errorf("generate %s key: %w", rotateType, err)
		}
		return Bytes(pub), nil
	})
	return m
}
