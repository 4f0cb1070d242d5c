package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/manualseal"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/parachain"
	"github.com/grishy/pontem-node/service"
)

// Mode selects which finalizer assembles the node.
type Mode interface {
	mode() string
}

// Collator authors parachain blocks when the node role is authority and
// follows the relay chain otherwise.
type Collator struct {
	RelayChain *service.Configuration
	ParaID     parachain.ParaID
}

// FullNode follows the parachain through the relay chain without authoring.
type FullNode struct {
	RelayChain *service.Configuration
	ParaID     parachain.ParaID
}

// Dev runs a standalone chain sealed on command, with mocked relay chain data.
type Dev struct {
	Sealing Sealing
	Author  nimbus.ID
}

func (Collator) mode() string { return "collator" }
func (FullNode) mode() string { return "full-node" }
func (Dev) mode() string      { return "dev" }

var ErrInvalidSealing = errors.New("invalid sealing")

// Sealing is the dev block production policy: instant seals one block per
// imported transaction, interval seals a possibly empty block every period.
type Sealing struct {
	interval time.Duration
}

// Instant seals on every transaction pool import and never seals empty blocks.
var Instant = Sealing{}

// maxSealingMillis is the longest period a time.Duration can hold.
const maxSealingMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Interval seals a block every millis milliseconds. Periods beyond what a
// time.Duration can hold are clamped.
func Interval(millis uint64) Sealing {
	millis = min(millis, maxSealingMillis)
	return Sealing{interval: time.Duration(millis) * time.Millisecond}
}

// ParseSealing parses "instant" or a period in milliseconds.
func ParseSealing(s string) (Sealing, error) {
	if strings.EqualFold(s, "instant") {
		return Instant, nil
	}
	millis, err := strconv.ParseUint(s, 10, 64)
	if err != nil || millis == 0 || millis > maxSealingMillis {
		return Sealing{}, fmt.Errorf("%w: %q, expected \"instant\" or a period in milliseconds", ErrInvalidSealing, s)
	}
	return Interval(millis), nil
}

func (s Sealing) IsInstant() bool {
	return s.interval == 0
}

func (s Sealing) Period() time.Duration {
	return s.interval
}

func (s Sealing) String() string {
	if s.IsInstant() {
		return "instant"
	}
	return strconv.FormatInt(s.interval.Milliseconds(), 10)
}

// PoolNotifications is the transaction pool view of instant sealing.
type PoolNotifications interface {
	ImportNotificationStream() (<-chan chain.Hash, func())
}

// Commands returns the seal command stream. The stream ends when ctx is done.
func (s Sealing) Commands(ctx context.Context, pool PoolNotifications) <-chan manualseal.EngineCommand {
	out := make(chan manualseal.EngineCommand)
	if s.IsInstant() {
		imports, unsubscribe := pool.ImportNotificationStream()
		go func() {
			defer close(out)
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-imports:
					if !ok {
						return
					}
					if !send(ctx, out, manualseal.SealNewBlock{CreateEmpty: false, Finalize: false}) {
						return
					}
				}
			}
		}()
		return out
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !send(ctx, out, manualseal.SealNewBlock{CreateEmpty: true, Finalize: false}) {
					return
				}
			}
		}
	}()
	return out
}

func send(ctx context.Context, out chan<- manualseal.EngineCommand, cmd manualseal.EngineCommand) bool {
	select {
	case out <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}
