// Package network is the libp2p networking of a node: block announcements and
// transactions travel over gossipsub, missing blocks are fetched with a
// request-response protocol.
package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anyproto/any-sync/app/logger"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "node.network"

var log = logger.NewNamed(CName)

var (
	ErrAlreadyStarted = errors.New("network already started")
	ErrNotStarted     = errors.New("network not started")
)

// Config is the network part of the node configuration.
type Config struct {
	ListenAddrs []string `yaml:"listenAddrs"`
	// Bootnodes are full multiaddrs ending with /p2p/<peer id>.
	Bootnodes []string `yaml:"bootnodes"`
	// NodeKey is a libp2p private key in config encoding. Empty means a fresh
	// random identity.
	NodeKey    string `yaml:"nodeKey"`
	ProtocolID string `yaml:"protocolId"`
	// AnnounceBlocks announces every locally authored best block. Parachain
	// nodes turn it off and announce through the collator instead.
	AnnounceBlocks bool `yaml:"announceBlocks"`
}

func (c Config) announceTopic() string {
	return "/" + c.ProtocolID + "/block-announces/1"
}

func (c Config) transactionsTopic() string {
	return "/" + c.ProtocolID + "/transactions/1"
}

// GenerateNodeKey returns a fresh ed25519 node key in config encoding.
func GenerateNodeKey() (string, error) {
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", err
	}
	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return p2pcrypto.ConfigEncodeKey(raw), nil
}

func decodeNodeKey(s string) (p2pcrypto.PrivKey, error) {
	if s == "" {
		priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	raw, err := p2pcrypto.ConfigDecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("decode node key: %w", err)
	}
	return p2pcrypto.UnmarshalPrivateKey(raw)
}

// Client is the chain access of the network.
type Client interface {
	Info() (backend.Info, error)
	Hash(n uint64) (chain.Hash, bool, error)
	Block(h chain.Hash) (*chain.Block, error)
	ImportNotificationStream() (<-chan client.BlockImportNotification, func())
}

// TransactionPool is the pool view of the network.
type TransactionPool interface {
	SubmitOne(ctx context.Context, at chain.Hash, source nativeruntime.TransactionSource, xt chain.Extrinsic) (chain.Hash, error)
	Get(h chain.Hash) (*txpool.Transaction, bool)
	ImportNotificationStream() (<-chan chain.Hash, func())
}

// BuildNetworkParams are the collaborators of the network.
type BuildNetworkParams struct {
	Config          Config
	Client          Client
	TransactionPool TransactionPool
	ImportQueue     importqueue.ImportQueue
	Spawner         taskmanager.Spawner
	// BlockAnnounceValidatorBuilder is optional; without it every well formed
	// announcement is accepted.
	BlockAnnounceValidatorBuilder func(*Service) BlockAnnounceValidator
}

// Service is the running network. It is shared by RPC, the collator and the
// transaction pool.
type Service struct {
	cfg       Config
	host      host.Host
	ps        *pubsub.PubSub
	client    Client
	pool      TransactionPool
	queue     importqueue.ImportQueue
	validator BlockAnnounceValidator

	started chan struct{}
	syncing atomic.Bool
	syncReq chan syncRequest

	mu        sync.Mutex
	announces *pubsub.Topic
	txs       *pubsub.Topic
	announceS *pubsub.Subscription
	txS       *pubsub.Subscription
}

// NetworkStarter opens the network to peers.
type NetworkStarter struct {
	service *Service
	once    sync.Once
}

// BuildNetwork creates the host and spawns the network worker. Nothing listens
// or dials until the starter runs.
func BuildNetwork(ctx context.Context, p BuildNetworkParams) (*Service, *NetworkStarter, error) {
	if p.Config.ProtocolID == "" {
		return nil, nil, errors.New("network: empty protocol id")
	}
	priv, err := decodeNodeKey(p.Config.NodeKey)
	if err != nil {
		return nil, nil, err
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.NoListenAddrs)
	if err != nil {
		return nil, nil, fmt.Errorf("create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("create gossipsub: %w", err)
	}

	s := &Service{
		cfg:     p.Config,
		host:    h,
		ps:      ps,
		client:  p.Client,
		pool:    p.TransactionPool,
		queue:   p.ImportQueue,
		started: make(chan struct{}),
		syncReq: make(chan syncRequest, 16),
	}
	if p.BlockAnnounceValidatorBuilder != nil {
		s.validator = p.BlockAnnounceValidatorBuilder(s)
	}
	s.queue.SetLink(s)

	p.Spawner.Spawn("network-worker", s.run)
	log.Info("network built", zap.String("peer_id", h.ID().String()), zap.String("protocol", p.Config.ProtocolID))
	return s, &NetworkStarter{service: s}, nil
}

// StartNetwork listens, joins the gossip topics and dials the bootnodes. Only
// the first call has an effect.
func (n *NetworkStarter) StartNetwork() error {
	err := ErrAlreadyStarted
	n.once.Do(func() {
		err = n.service.start()
	})
	return err
}

func (s *Service) start() error {
	addrs := make([]ma.Multiaddr, 0, len(s.cfg.ListenAddrs))
	for _, a := range s.cfg.ListenAddrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return fmt.Errorf("listen address %q: %w", a, err)
		}
		addrs = append(addrs, m)
	}
	if len(addrs) > 0 {
		if err := s.host.Network().Listen(addrs...); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	s.host.SetStreamHandler(s.syncProtocol(), s.handleBlockRequest)
	if err := s.ps.RegisterTopicValidator(s.cfg.announceTopic(), s.validateAnnouncement); err != nil {
		return fmt.Errorf("register announce validator: %w", err)
	}

	s.mu.Lock()
	err := s.joinLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	close(s.started)
	for _, b := range s.cfg.Bootnodes {
		if err = s.Connect(context.Background(), b); err != nil {
			log.Warn("bootnode unreachable", zap.String("addr", b), zap.Error(err))
		}
	}
	log.Info("network started", zap.Any("listen", s.host.Addrs()))
	return nil
}

func (s *Service) joinLocked() (err error) {
	if s.announces, err = s.ps.Join(s.cfg.announceTopic()); err != nil {
		return fmt.Errorf("join announces: %w", err)
	}
	if s.txs, err = s.ps.Join(s.cfg.transactionsTopic()); err != nil {
		return fmt.Errorf("join transactions: %w", err)
	}
	if s.announceS, err = s.announces.Subscribe(); err != nil {
		return fmt.Errorf("subscribe announces: %w", err)
	}
	if s.txS, err = s.txs.Subscribe(); err != nil {
		return fmt.Errorf("subscribe transactions: %w", err)
	}
	return nil
}

// Connect dials a peer given as a multiaddr with a /p2p/ component.
func (s *Service) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return err
	}
	return s.host.Connect(ctx, *info)
}

func (s *Service) LocalPeerID() peer.ID {
	return s.host.ID()
}

// ListenAddrs returns the full dialable addresses of this node.
func (s *Service) ListenAddrs() []string {
	out := make([]string, 0, len(s.host.Addrs()))
	for _, a := range s.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+s.host.ID().String())
	}
	return out
}

func (s *Service) LocalPeerIDString() string {
	return s.host.ID().String()
}

func (s *Service) Peers() []peer.ID {
	return s.host.Network().Peers()
}

func (s *Service) PeerIDs() []string {
	peers := s.Peers()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}

func (s *Service) IsMajorSyncing() bool {
	return s.syncing.Load()
}

func (s *Service) isStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

// run is the network worker. It idles until the network starts.
func (s *Service) run(ctx context.Context) error {
	defer func() {
		if err := s.host.Close(); err != nil {
			log.Warn("close host", zap.Error(err))
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case <-s.started:
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readAnnouncements(ctx) })
	g.Go(func() error { return s.readTransactions(ctx) })
	g.Go(func() error { return s.propagateTransactions(ctx) })
	g.Go(func() error { return s.syncLoop(ctx) })
	if s.cfg.AnnounceBlocks {
		g.Go(func() error { return s.announceImported(ctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) readTransactions(ctx context.Context) error {
	for {
		msg, err := s.txS.Next(ctx)
		if err != nil {
			return ignoreCancel(ctx, err)
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		info, err := s.client.Info()
		if err != nil {
			return err
		}
		if _, err = s.pool.SubmitOne(ctx, info.BestHash, nativeruntime.SourceExternal, msg.Data); err != nil {
			log.Debug("gossiped transaction rejected", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
		}
	}
}

func (s *Service) propagateTransactions(ctx context.Context) error {
	notifications, unsubscribe := s.pool.ImportNotificationStream()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-notifications:
			if !ok {
				return nil
			}
			tx, ok := s.pool.Get(h)
			if !ok || !tx.Propagate || tx.Source == nativeruntime.SourceExternal {
				continue
			}
			if err := s.txs.Publish(ctx, tx.Data()); err != nil {
				log.Debug("propagate transaction", zap.String("hash", h.String()), zap.Error(err))
			}
		}
	}
}

func (s *Service) announceImported(ctx context.Context) error {
	notifications, unsubscribe := s.client.ImportNotificationStream()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			if n.Origin != client.OriginOwn || !n.IsNewBest {
				continue
			}
			if err := s.AnnounceBlock(n.Hash, nil); err != nil {
				log.Warn("announce block", zap.String("hash", n.Hash.String()), zap.Error(err))
			}
		}
	}
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
		return nil
	}
	return err
}
