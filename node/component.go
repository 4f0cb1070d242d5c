package node

import (
	"context"
	"errors"

	"github.com/anyproto/any-sync/app"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/parachain"
	"github.com/grishy/pontem-node/service"
)

// ErrNotRunning is returned by Wait before Run succeeded.
var ErrNotRunning = errors.New("node is not running")

// Service runs a node inside an any-sync app.
type Service interface {
	app.ComponentRunnable

	Node() *Node
	Wait() error
}

type configService interface {
	app.Component

	ParachainConfiguration() (*service.Configuration, error)
	RelayChainConfiguration() (*service.Configuration, error)
	ParachainID() parachain.ParaID
}

type component struct {
	mode   Mode
	srvCfg configService
	cfg    *service.Configuration
	node   *Node
}

// New returns the node component for mode. Collator and full node modes
// without relay chain configuration or para id take them from the config
// component.
func New(mode Mode) Service {
	return &component{mode: mode}
}

//
// App Component
//

func (c *component) Init(a *app.App) error {
	c.srvCfg = app.MustComponent[configService](a)

	cfg, err := c.srvCfg.ParachainConfiguration()
	if err != nil {
		return assemblyError(StageConfiguration, err)
	}
	c.cfg = cfg

	switch m := c.mode.(type) {
	case Collator:
		if m.RelayChain, m.ParaID, err = c.relayChain(m.RelayChain, m.ParaID); err != nil {
			return err
		}
		c.mode = m
	case FullNode:
		if m.RelayChain, m.ParaID, err = c.relayChain(m.RelayChain, m.ParaID); err != nil {
			return err
		}
		c.mode = m
	}
	return nil
}

func (c *component) relayChain(relayCfg *service.Configuration, paraID parachain.ParaID) (*service.Configuration, parachain.ParaID, error) {
	if relayCfg == nil {
		var err error
		if relayCfg, err = c.srvCfg.RelayChainConfiguration(); err != nil {
			return nil, 0, assemblyError(StageConfiguration, err)
		}
	}
	if paraID == 0 {
		paraID = c.srvCfg.ParachainID()
	}
	return relayCfg, paraID, nil
}

func (c *component) Name() (name string) {
	return CName
}

//
// App Component Runnable
//

func (c *component) Run(ctx context.Context) error {
	n, err := Start(ctx, c.cfg, c.mode)
	if err != nil {
		return err
	}
	c.node = n
	return nil
}

func (c *component) Close(ctx context.Context) error {
	if c.node == nil {
		return nil
	}
	log.Info("stopping node")
	err := c.node.TaskManager.Close(ctx)
	if err != nil {
		log.Warn("node stopped with error", zap.Error(err))
	}
	return err
}

//
// Component methods
//

func (c *component) Node() *Node {
	return c.node
}

// Wait blocks until the node stops and reports the first essential task
// failure.
func (c *component) Wait() error {
	if c.node == nil {
		return ErrNotRunning
	}
	return c.node.TaskManager.Wait()
}
