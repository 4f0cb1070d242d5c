// Package backend is the persistent block storage of a node, backed by badger.
package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
)

const CName = "node.backend"

var log = logger.NewNamed(CName)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownParent = errors.New("unknown parent")
	ErrNotCanonical  = errors.New("block is not on the canonical chain")
)

// Key layout.
const (
	kHeader    = "h/"
	kBody      = "b/"
	kCanonical = "n/"
	kLeaf      = "l/"
	kAux       = "a/"

	kBest      = "m/best"
	kFinalized = "m/finalized"
	kGenesis   = "m/genesis"
)

type Options struct {
	Path     string
	InMemory bool
}

// Info is a snapshot of the chain heads.
type Info struct {
	GenesisHash     chain.Hash
	BestHash        chain.Hash
	BestNumber      uint64
	FinalizedHash   chain.Hash
	FinalizedNumber uint64
}

// Backend is the shared storage facade. Writes are serialized, reads are not.
type Backend struct {
	db *badger.DB
	mu sync.Mutex
}

func Open(opts Options) (*Backend, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(newBadgerLogger(log.Logger.Named("badger"), opts)).
		WithCompression(options.None).
		WithZSTDCompressionLevel(0)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	log.Info("backend opened", zap.String("path", opts.Path), zap.Bool("inMemory", opts.InMemory))
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	log.Info("call Close")
	return b.db.Close()
}

func keyHash(prefix string, h chain.Hash) []byte {
	return append([]byte(prefix), h[:]...)
}

func keyNumber(n uint64) []byte {
	k := make([]byte, len(kCanonical)+8)
	copy(k, kCanonical)
	binary.BigEndian.PutUint64(k[len(kCanonical):], n)
	return k
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getHash(txn *badger.Txn, key []byte) (chain.Hash, error) {
	v, err := getValue(txn, key)
	if err != nil {
		return chain.Hash{}, err
	}
	return chain.HashFromBytes(v)
}

func getHeader(txn *badger.Txn, h chain.Hash) (*chain.Header, error) {
	v, err := getValue(txn, keyHash(kHeader, h))
	if err != nil {
		return nil, err
	}
	return chain.DecodeHeader(v)
}

// IsEmpty reports whether no genesis has been stored yet.
func (b *Backend) IsEmpty() (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(kGenesis))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return true, nil
	}
	return false, err
}

// InitGenesis stores the genesis block as best and finalized head.
func (b *Backend) InitGenesis(block *chain.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := block.Hash()
	return b.db.Update(func(txn *badger.Txn) error {
		if err := putBlock(txn, h, block); err != nil {
			return err
		}
		for _, kv := range []struct{ k, v []byte }{
			{[]byte(kGenesis), h[:]},
			{[]byte(kBest), h[:]},
			{[]byte(kFinalized), h[:]},
			{keyNumber(0), h[:]},
			{keyHash(kLeaf, h), nil},
		} {
			if err := txn.Set(kv.k, kv.v); err != nil {
				return err
			}
		}
		return nil
	})
}

func putBlock(txn *badger.Txn, h chain.Hash, block *chain.Block) error {
	if err := txn.Set(keyHash(kHeader, h), chain.EncodeHeader(block.Header)); err != nil {
		return fmt.Errorf("store header: %w", err)
	}
	if err := txn.Set(keyHash(kBody, h), chain.EncodeExtrinsics(block.Extrinsics)); err != nil {
		return fmt.Errorf("store body: %w", err)
	}
	return nil
}

// InsertBlock stores a block whose parent is known. When asBest is set the
// canonical index is rewritten to end at the block.
func (b *Backend) InsertBlock(block *chain.Block, asBest bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := block.Hash()
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := getHeader(txn, block.Header.ParentHash); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownParent, block.Header.ParentHash)
			}
			return err
		}

		if err := putBlock(txn, h, block); err != nil {
			return err
		}
		if err := txn.Delete(keyHash(kLeaf, block.Header.ParentHash)); err != nil {
			return err
		}
		if err := txn.Set(keyHash(kLeaf, h), nil); err != nil {
			return err
		}

		if !asBest {
			return nil
		}
		return setBest(txn, h, block.Header)
	})
}

func setBest(txn *badger.Txn, h chain.Hash, header *chain.Header) error {
	prevBest, err := getHash(txn, []byte(kBest))
	if err != nil {
		return fmt.Errorf("read best: %w", err)
	}
	prevHeader, err := getHeader(txn, prevBest)
	if err != nil {
		return fmt.Errorf("read best header: %w", err)
	}

	// Retract canonical entries above the new head.
	for n := header.Number + 1; n <= prevHeader.Number; n++ {
		if err := txn.Delete(keyNumber(n)); err != nil {
			return err
		}
	}

	// Walk back until the route joins the canonical chain.
	cur, curHash := header, h
	for {
		existing, err := getHash(txn, keyNumber(cur.Number))
		if err == nil && existing == curHash {
			break
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Set(keyNumber(cur.Number), curHash[:]); err != nil {
			return err
		}
		if cur.Number == 0 {
			break
		}
		curHash = cur.ParentHash
		if cur, err = getHeader(txn, curHash); err != nil {
			return fmt.Errorf("walk canonical route: %w", err)
		}
	}

	return txn.Set([]byte(kBest), h[:])
}

// SetFinalized marks a canonical block as finalized.
func (b *Backend) SetFinalized(h chain.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		header, err := getHeader(txn, h)
		if err != nil {
			return err
		}
		canonical, err := getHash(txn, keyNumber(header.Number))
		if err != nil || canonical != h {
			return fmt.Errorf("%w: %s", ErrNotCanonical, h)
		}
		return txn.Set([]byte(kFinalized), h[:])
	})
}

func (b *Backend) Header(h chain.Hash) (header *chain.Header, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		header, err = getHeader(txn, h)
		return err
	})
	return
}

func (b *Backend) Body(h chain.Hash) (xts []chain.Extrinsic, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, keyHash(kBody, h))
		if err != nil {
			return err
		}
		xts, err = chain.DecodeExtrinsics(v)
		return err
	})
	return
}

// Number returns the number of a known block; ok is false for unknown blocks.
func (b *Backend) Number(h chain.Hash) (uint64, bool, error) {
	header, err := b.Header(h)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return header.Number, true, nil
}

// Hash returns the canonical hash at the given height.
func (b *Backend) Hash(n uint64) (h chain.Hash, ok bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		h, err = getHash(txn, keyNumber(n))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return chain.Hash{}, false, nil
	}
	return h, err == nil, err
}

func (b *Backend) Info() (info Info, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		if info.GenesisHash, err = getHash(txn, []byte(kGenesis)); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if info.BestHash, err = getHash(txn, []byte(kBest)); err != nil {
			return fmt.Errorf("best: %w", err)
		}
		if info.FinalizedHash, err = getHash(txn, []byte(kFinalized)); err != nil {
			return fmt.Errorf("finalized: %w", err)
		}

		best, err := getHeader(txn, info.BestHash)
		if err != nil {
			return err
		}
		finalized, err := getHeader(txn, info.FinalizedHash)
		if err != nil {
			return err
		}
		info.BestNumber, info.FinalizedNumber = best.Number, finalized.Number
		return nil
	})
	return
}

// Leaves returns the hashes of blocks without known children.
func (b *Backend) Leaves() (leaves []chain.Hash, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(kLeaf)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			h, err := chain.HashFromBytes(it.Item().KeyCopy(nil)[len(kLeaf):])
			if err != nil {
				return err
			}
			leaves = append(leaves, h)
		}
		return nil
	})
	return
}

func (b *Backend) PutAux(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append([]byte(kAux), key...), value)
	})
}

func (b *Backend) GetAux(key []byte) (value []byte, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		value, err = getValue(txn, append([]byte(kAux), key...))
		return err
	})
	return
}
