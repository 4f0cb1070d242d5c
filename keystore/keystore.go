// Package keystore keeps the node's signing keys.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/util/crypto"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const CName = "node.keystore"

var log = logger.NewNamed(CName)

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrInvalidKeyType = errors.New("key type must be 4 characters")
)

// KeyType tags keys with the subsystem that uses them, e.g. "nmbs".
type KeyType string

func (k KeyType) Validate() error {
	if len(k) != 4 {
		return fmt.Errorf("%w: %q", ErrInvalidKeyType, string(k))
	}
	return nil
}

type fileEntry struct {
	Type KeyType `yaml:"type"`
	Key  string  `yaml:"key"`
}

type file struct {
	Keys []fileEntry `yaml:"keys"`
}

// Container owns the keystore of a node.
type Container struct {
	store *Store
}

// NewContainer opens the keystore file at path, or an in-memory keystore when
// path is empty.
func NewContainer(path string) (*Container, error) {
	s := &Store{path: path, keys: make(map[KeyType][]crypto.PrivKey)}
	if path == "" {
		return &Container{store: s}, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("keystore file not found, starting empty", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("read keystore: %w", err)
	default:
		var f file
		if err = yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse keystore: %w", err)
		}
		for _, e := range f.Keys {
			key, err := crypto.DecodeKeyFromString(e.Key, crypto.UnmarshalEd25519PrivateKey, nil)
			if err != nil {
				return nil, fmt.Errorf("decode %s key: %w", e.Type, err)
			}
			s.keys[e.Type] = append(s.keys[e.Type], key)
		}
	}
	return &Container{store: s}, nil
}

// SyncKeystore returns the shared synchronous keystore view.
func (c *Container) SyncKeystore() *Store {
	return c.store
}

// Store is safe for concurrent use.
type Store struct {
	path string

	mu   sync.RWMutex
	keys map[KeyType][]crypto.PrivKey
}

// Keys returns the raw public keys of the given type.
func (s *Store) Keys(kt KeyType) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, 0, len(s.keys[kt]))
	for _, k := range s.keys[kt] {
		raw, err := k.GetPublic().Raw()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Generate creates and stores a new key, returning its raw public key.
func (s *Store) Generate(kt KeyType) ([]byte, error) {
	if err := kt.Validate(); err != nil {
		return nil, err
	}
	priv, pub, err := crypto.GenerateRandomEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err = s.add(kt, priv); err != nil {
		return nil, err
	}
	return pub.Raw()
}

// Insert stores an encoded private key, returning its raw public key.
func (s *Store) Insert(kt KeyType, encoded string) ([]byte, error) {
	if err := kt.Validate(); err != nil {
		return nil, err
	}
	priv, err := crypto.DecodeKeyFromString(encoded, crypto.UnmarshalEd25519PrivateKey, nil)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	pub, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, err
	}
	if s.HasKeys(kt, [][]byte{pub}) {
		return pub, nil
	}
	if err = s.add(kt, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

func (s *Store) add(kt KeyType, priv crypto.PrivKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kt] = append(s.keys[kt], priv)
	return s.persist()
}

// HasKeys reports whether every public key of the given type is present.
func (s *Store) HasKeys(kt KeyType, pubs [][]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pub := range pubs {
		if s.find(kt, pub) == nil {
			return false
		}
	}
	return true
}

// Sign signs msg with the private key matching pub.
func (s *Store) Sign(kt KeyType, pub, msg []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.find(kt, pub)
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %s %x", ErrKeyNotFound, kt, pub)
	}
	return key.Sign(msg)
}

func (s *Store) find(kt KeyType, pub []byte) crypto.PrivKey {
	for _, k := range s.keys[kt] {
		raw, err := k.GetPublic().Raw()
		if err == nil && bytes.Equal(raw, pub) {
			return k
		}
	}
	return nil
}

// persist writes the keystore file. Called with mu held.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	var f file
	for kt, keys := range s.keys {
		for _, k := range keys {
			encoded, err := crypto.EncodeKeyToString(k)
			if err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			f.Keys = append(f.Keys, fileEntry{Type: kt, Key: encoded})
		}
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create keystore directory: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

// Verify checks an ed25519 signature made by a raw public key.
func Verify(pub, msg, sig []byte) (bool, error) {
	key, err := crypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return false, err
	}
	return key.Verify(msg, sig)
}
