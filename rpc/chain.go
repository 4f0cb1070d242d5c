package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
)

// Bytes is hex encoded with a 0x prefix on the wire.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// Number is a block number, hex encoded on the wire. Decimal and JSON numbers
// are accepted on input.
type Number uint64

func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + strconv.FormatUint(uint64(n), 16))
}

func (n *Number) UnmarshalJSON(data []byte) error {
	var v uint64
	if err := json.Unmarshal(data, &v); err == nil {
		*n = Number(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var err error
	if strings.HasPrefix(s, "0x") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

type DigestItem struct {
	Kind   string `json:"kind"`
	Engine string `json:"engine"`
	Data   Bytes  `json:"data"`
}

type Header struct {
	ParentHash     string       `json:"parentHash"`
	Number         Number       `json:"number"`
	StateRoot      string       `json:"stateRoot"`
	ExtrinsicsRoot string       `json:"extrinsicsRoot"`
	Digest         []DigestItem `json:"digest"`
}

type Block struct {
	Header     Header  `json:"header"`
	Extrinsics []Bytes `json:"extrinsics"`
}

func digestKind(k chain.DigestKind) string {
	switch k {
	case chain.DigestPreRuntime:
		return "preRuntime"
	case chain.DigestSeal:
		return "seal"
	}
	return "other"
}

func NewHeader(h *chain.Header) Header {
	out := Header{
		ParentHash:     h.ParentHash.String(),
		Number:         Number(h.Number),
		StateRoot:      h.StateRoot.String(),
		ExtrinsicsRoot: h.ExtrinsicsRoot.String(),
		Digest:         make([]DigestItem, 0, len(h.Digest)),
	}
	for _, d := range h.Digest {
		out.Digest = append(out.Digest, DigestItem{Kind: digestKind(d.Kind), Engine: d.Engine, Data: d.Data})
	}
	return out
}

// ChainClient is the chain access of the chain_* methods.
type ChainClient interface {
	Info() (backend.Info, error)
	Header(h chain.Hash) (*chain.Header, error)
	Block(h chain.Hash) (*chain.Block, error)
	Hash(n uint64) (chain.Hash, bool, error)
}

// ChainModule serves chain_getHeader, chain_getBlock, chain_getBlockHash and
// chain_getFinalizedHead. A missing block hash means the best block.
func ChainModule(c ChainClient) *Module {
	m := NewModule()

	resolve := func(params json.RawMessage) (chain.Hash, error) {
		var at *string
		if err := ParseParams(params, &at); err != nil {
			return chain.Hash{}, err
		}
		if at == nil {
			info, err := c.Info()
			return info.BestHash, err
		}
		h, err := chain.ParseHash(*at)
		if err != nil {
			return chain.Hash{}, InvalidParams(err)
		}
		return h, nil
	}
	notFound := func(err error) (any, error) {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	_ = m.Register("chain_getHeader", func(_ context.Context, params json.RawMessage) (any, error) {
		h, err := resolve(params)
		if err != nil {
			return nil, err
		}
		header, err := c.Header(h)
		if err != nil {
			return notFound(err)
		}
		return NewHeader(header), nil
	})

	_ = m.Register("chain_getBlock", func(_ context.Context, params json.RawMessage) (any, error) {
		h, err := resolve(params)
		if err != nil {
			return nil, err
		}
		block, err := c.Block(h)
		if err != nil {
			return notFound(err)
		}
		out := Block{Header: NewHeader(block.Header), Extrinsics: make([]Bytes, 0, len(block.Extrinsics))}
		for _, x := range block.Extrinsics {
			out.Extrinsics = append(out.Extrinsics, Bytes(x))
		}
		return out, nil
	})

	_ = m.Register("chain_getBlockHash", func(_ context.Context, params json.RawMessage) (any, error) {
		var n *Number
		if err := ParseParams(params, &n); err != nil {
			return nil, err
		}
		if n == nil {
			info, err := c.Info()
			if err != nil {
				return nil, err
			}
			return info.BestHash.String(), nil
		}
		h, ok, err := c.Hash(uint64(*n))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return h.String(), nil
	})

	_ = m.Register("chain_getFinalizedHead", func(context.Context, json.RawMessage) (any, error) {
		info, err := c.Info()
		if err != nil {
			return nil, fmt.Errorf("chain info: %w", err)
		}
		return info.FinalizedHash.String(), nil
	})
	return m
}
