package rpc

import (
	"context"
	"encoding/json"
)

// SystemInfo is the static node description served by system_*.
type SystemInfo struct {
	ImplName    string
	ImplVersion string
	ChainName   string
	Role        string
}

// SystemNetwork is the network view of system_*. It is nil before the
// network exists.
type SystemNetwork interface {
	LocalPeerIDString() string
	ListenAddrs() []string
	PeerIDs() []string
	IsMajorSyncing() bool
}

type Health struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

// SystemModule serves the system_* methods. system_peers is unsafe.
func SystemModule(info SystemInfo, network SystemNetwork, deny DenyUnsafe) *Module {
	m := NewModule()
	constant := func(v any) Handler {
		return func(context.Context, json.RawMessage) (any, error) { return v, nil }
	}
	_ = m.Register("system_name", constant(info.ImplName))
	_ = m.Register("system_version", constant(info.ImplVersion))
	_ = m.Register("system_chain", constant(info.ChainName))
	_ = m.Register("system_nodeRoles", constant([]string{info.Role}))

	_ = m.Register("system_health", func(context.Context, json.RawMessage) (any, error) {
		peers := network.PeerIDs()
		return Health{
			Peers:           len(peers),
			IsSyncing:       network.IsMajorSyncing(),
			ShouldHavePeers: true,
		}, nil
	})
	_ = m.Register("system_localPeerId", func(context.Context, json.RawMessage) (any, error) {
		return network.LocalPeerIDString(), nil
	})
	_ = m.Register("system_localListenAddresses", func(context.Context, json.RawMessage) (any, error) {
		return network.ListenAddrs(), nil
	})
	_ = m.Register("system_peers", func(context.Context, json.RawMessage) (any, error) {
		if err := deny.Check(); err != nil {
			return nil, err
		}
		return network.PeerIDs(), nil
	})
	return m
}

// WithMethodList adds rpc_methods listing every method of m, itself included.
func WithMethodList(m *Module) *Module {
	_ = m.Register("rpc_methods", func(context.Context, json.RawMessage) (any, error) {
		return struct {
			Methods []string `json:"methods"`
		}{Methods: m.Methods()}, nil
	})
	return m
}
