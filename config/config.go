// Package config is the node configuration file: what to run, where to store
// it and which keys to use.
package config

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/util/crypto"
	"go.uber.org/zap"
	"gopkg.in/mgo.v2/bson"
	"gopkg.in/yaml.v3"

	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "node.config"

var log = logger.NewNamed(CName)

const (
	// MinSupportedConfigFormat is the oldest config format version this binary can load.
	MinSupportedConfigFormat = 1
	// CurrentConfigFormat is the config format version this binary creates.
	CurrentConfigFormat = 1
)

type Config struct {
	NodeVersion  string        `yaml:"nodeVersion"`
	ConfigFormat int           `yaml:"configFormat"`
	ConfigID     string        `yaml:"configId"`
	NodeName     string        `yaml:"nodeName"`
	StoragePath  string        `yaml:"storagePath"`
	ParaID       uint32        `yaml:"paraId"`
	Account      AccountConfig `yaml:"account"`
	Parachain    ChainConfig   `yaml:"parachain"`
	RelayChain   ChainConfig   `yaml:"relayChain"`
}

// AccountConfig holds the author key. Author is its public part.
type AccountConfig struct {
	Author    string `yaml:"author"`
	AuthorKey string `yaml:"authorKey"`
}

// ChainConfig configures the node of one chain.
type ChainConfig struct {
	// Chain is a builtin chain spec id or a chain spec file path.
	Chain              string              `yaml:"chain"`
	Role               string              `yaml:"role"`
	ForceAuthoring     bool                `yaml:"forceAuthoring"`
	OffchainWorker     bool                `yaml:"offchainWorker"`
	InMemory           bool                `yaml:"inMemory"`
	Network            network.Config      `yaml:"network"`
	TelemetryEndpoints telemetry.Endpoints `yaml:"telemetryEndpoints"`
	TransactionPool    txpool.Options      `yaml:"transactionPool"`
	Execution          ExecutionConfig     `yaml:"execution"`
	RPC                RPCConfig           `yaml:"rpc"`
	Prometheus         PrometheusConfig    `yaml:"prometheus"`
}

type ExecutionConfig struct {
	WasmMethod          string `yaml:"wasmMethod"`
	DefaultHeapPages    uint64 `yaml:"defaultHeapPages"`
	MaxRuntimeInstances int    `yaml:"maxRuntimeInstances"`
}

type RPCConfig struct {
	Listen  string `yaml:"listen"`
	Methods string `yaml:"methods"`
}

// PrometheusConfig enables the metrics endpoint when Listen is set.
type PrometheusConfig struct {
	Listen string `yaml:"listen"`
}

func Load(cfgPath string) *Config {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Panic("can't read config file", zap.Error(err))
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		log.Panic("can't unmarshal config", zap.Error(errUnmarshal))
	}

	if cfg.ConfigFormat < MinSupportedConfigFormat {
		log.Panic("config format too old, please migrate your configuration",
			zap.Int("format", cfg.ConfigFormat),
			zap.Int("min_supported", MinSupportedConfigFormat),
			zap.String("path", cfgPath))
	}
	if cfg.ConfigFormat > CurrentConfigFormat {
		log.Panic("config format too new, please upgrade the binary",
			zap.Int("format", cfg.ConfigFormat),
			zap.Int("current", CurrentConfigFormat),
			zap.String("path", cfgPath))
	}

	return &cfg
}

type CreateOptions struct {
	CfgPath     string
	StoragePath string
	NodeName    string
	// Chain and RelayChain are chain spec ids or paths.
	Chain      string
	RelayChain string
	ParaID     uint32
	Role       string
}

func CreateWrite(opts *CreateOptions) *Config {
	createdCfg := newNodeConfig(opts)

	createCfgYaml, err := yaml.Marshal(createdCfg)
	if err != nil {
		log.Panic("can't marshal config", zap.Error(err))
	}

	if errMkdir := os.MkdirAll(filepath.Dir(opts.CfgPath), 0o750); errMkdir != nil {
		log.Panic("can't create config directory", zap.Error(errMkdir))
	}

	if errWrite := os.WriteFile(opts.CfgPath, createCfgYaml, 0o600); errWrite != nil {
		log.Panic("can't write config file", zap.Error(errWrite))
	}

	return createdCfg
}

// newNodeConfig creates a config with fresh keys for both chains and the
// author account.
func newNodeConfig(opts *CreateOptions) *Config {
	cfgID := bson.NewObjectId().Hex()

	role := opts.Role
	if role == "" {
		role = "authority"
	}
	nodeName := opts.NodeName
	if nodeName == "" {
		nodeName = "pontem-" + cfgID[len(cfgID)-6:]
	}

	return &Config{
		NodeVersion:  app.Version(),
		ConfigFormat: CurrentConfigFormat,
		ConfigID:     cfgID,
		NodeName:     nodeName,
		StoragePath:  opts.StoragePath,
		ParaID:       opts.ParaID,
		Account:      newAccount(),
		Parachain: ChainConfig{
			Chain: opts.Chain,
			Role:  role,
			Network: network.Config{
				ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/30333"},
				NodeKey:        newNodeKey(),
				AnnounceBlocks: true,
			},
			TransactionPool: txpool.DefaultOptions(),
			RPC: RPCConfig{
				Listen:  "127.0.0.1:9933",
				Methods: "auto",
			},
			Prometheus: PrometheusConfig{Listen: "127.0.0.1:9615"},
		},
		RelayChain: ChainConfig{
			Chain: opts.RelayChain,
			Role:  "full",
			Network: network.Config{
				ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/30334"},
				NodeKey:        newNodeKey(),
				AnnounceBlocks: true,
			},
			TransactionPool: txpool.DefaultOptions(),
		},
	}
}

func newAccount() AccountConfig {
	authorKey, _, err := crypto.GenerateRandomEd25519KeyPair()
	if err != nil {
		log.Panic("can't generate ed25519 key for author", zap.Error(err))
	}

	encAuthorKey, err := crypto.EncodeKeyToString(authorKey)
	if err != nil {
		log.Panic("can't encode key to string", zap.Error(err))
	}

	author, err := authorKey.GetPublic().Raw()
	if err != nil {
		log.Panic("can't read author public key", zap.Error(err))
	}

	return AccountConfig{
		Author:    "0x" + hex.EncodeToString(author),
		AuthorKey: encAuthorKey,
	}
}

func newNodeKey() string {
	key, err := network.GenerateNodeKey()
	if err != nil {
		log.Panic("can't generate network node key", zap.Error(err))
	}
	return key
}

//
// App Component
//

func (c *Config) Init(_ *app.App) error {
	log.Info("call Init", zap.String("config_id", c.ConfigID))
	return nil
}

func (c *Config) Name() (name string) {
	return CName
}
