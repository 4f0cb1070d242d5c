// Package chainspec loads chain specifications.
package chainspec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grishy/pontem-node/nativeruntime"
)

var ErrUnknownChain = errors.New("unknown chain")

// ChainSpec describes a chain: its identity, boot nodes and genesis state.
type ChainSpec struct {
	Name       string   `yaml:"name"`
	ID         string   `yaml:"id"`
	ProtocolID string   `yaml:"protocolId"`
	Bootnodes  []string `yaml:"bootNodes"`
	// RelayChain is the id of the relay chain spec this parachain is bound to.
	RelayChain string `yaml:"relayChain,omitempty"`
	ParaID     uint32 `yaml:"paraId,omitempty"`
	// Authorities are hex encoded ed25519 public keys.
	Authorities []string `yaml:"authorities"`
	// Code is the optional WASM runtime.
	Code []byte `yaml:"code,omitempty"`
}

// Genesis returns the runtime genesis configuration.
func (s *ChainSpec) Genesis() (nativeruntime.Genesis, error) {
	g := nativeruntime.Genesis{ParaID: s.ParaID}
	for _, a := range s.Authorities {
		raw, err := hex.DecodeString(strings.TrimPrefix(a, "0x"))
		if err != nil {
			return g, fmt.Errorf("authority %q: %w", a, err)
		}
		g.Authorities = append(g.Authorities, raw)
	}
	return g, nil
}

// Dev is a single-node development chain.
func Dev() *ChainSpec {
	return &ChainSpec{
		Name:       "Development",
		ID:         "dev",
		ProtocolID: "pontem-dev",
		ParaID:     1000,
	}
}

// Local is a local testnet parachain bound to a local relay chain.
func Local() *ChainSpec {
	return &ChainSpec{
		Name:       "Local Testnet",
		ID:         "local_testnet",
		ProtocolID: "pontem-local",
		RelayChain: "rococo-local",
		ParaID:     2000,
	}
}

// RelayLocal is the relay chain spec of the local testnet.
func RelayLocal() *ChainSpec {
	return &ChainSpec{
		Name:       "Rococo Local Testnet",
		ID:         "rococo-local",
		ProtocolID: "dot",
	}
}

// Load resolves a builtin chain id or reads a spec file.
func Load(id string) (*ChainSpec, error) {
	switch id {
	case "", "dev":
		return Dev(), nil
	case "local", "local_testnet":
		return Local(), nil
	case "rococo-local":
		return RelayLocal(), nil
	}

	data, err := os.ReadFile(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChain, id)
		}
		return nil, fmt.Errorf("read chain spec: %w", err)
	}
	var spec ChainSpec
	if err = yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse chain spec: %w", err)
	}
	if spec.ID == "" {
		return nil, fmt.Errorf("parse chain spec %s: missing id", id)
	}
	return &spec, nil
}
