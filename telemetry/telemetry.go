// Package telemetry streams node events to remote telemetry servers over websockets.
package telemetry

import (
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"
	"gopkg.in/mgo.v2/bson"
)

const CName = "node.telemetry"

var log = logger.NewNamed(CName)

// Verbosity levels.
const (
	SubstrateInfo  uint8 = 0
	SubstrateDebug uint8 = 1
	ConsensusInfo  uint8 = 1
	ConsensusDebug uint8 = 3
)

var (
	ErrInvalidEndpoint = errors.New("invalid telemetry endpoint")
	ErrBufferSize      = errors.New("telemetry buffer size must be positive")
	ErrAlreadyStarted  = errors.New("telemetry already started")
)

// Endpoint is a telemetry server url and the maximum verbosity sent to it.
type Endpoint struct {
	URL       string `yaml:"url"`
	Verbosity uint8  `yaml:"verbosity"`
}

type Endpoints []Endpoint

// Validate checks that every endpoint is a websocket url.
func (e Endpoints) Validate() error {
	for _, ep := range e {
		u, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidEndpoint, ep.URL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("%w %q: scheme must be ws or wss", ErrInvalidEndpoint, ep.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, ep.URL)
		}
	}
	return nil
}

// ConnectionMessage is sent as system.connected every time an endpoint connects.
type ConnectionMessage struct {
	Name           string `json:"name"`
	Implementation string `json:"implementation"`
	Version        string `json:"version"`
	Chain          string `json:"chain"`
	GenesisHash    string `json:"genesis_hash"`
	Authority      bool   `json:"authority"`
	NetworkID      string `json:"network_id"`
	StartupTime    string `json:"startup_time"`
}

type message struct {
	telemetryID uint64
	verbosity   uint8
	payload     map[string]any
}

type registration struct {
	telemetryID uint64
	endpoints   Endpoints
	connMsg     map[string]any
}

// Worker owns the endpoint connections. Messages are buffered in a bounded
// queue and dropped when it is full.
type Worker struct {
	messages chan message
	register chan registration
	nextID   atomic.Uint64
	backoff  time.Duration
}

func NewWorker(bufferSize int) (*Worker, error) {
	if bufferSize <= 0 {
		return nil, ErrBufferSize
	}
	return &Worker{
		messages: make(chan message, bufferSize),
		register: make(chan registration, bufferSize),
		backoff:  time.Second,
	}, nil
}

// Handle returns a handle used to create telemetry instances bound to the worker.
func (w *Worker) Handle() WorkerHandle {
	return WorkerHandle{w: w}
}

type WorkerHandle struct {
	w *Worker
}

func (h WorkerHandle) NewTelemetry(endpoints Endpoints) *Telemetry {
	return &Telemetry{
		id:        h.w.nextID.Add(1),
		endpoints: endpoints,
		w:         h.w,
		sessionID: bson.NewObjectId().Hex(),
	}
}

// Telemetry is one telemetry session of a node.
type Telemetry struct {
	id        uint64
	endpoints Endpoints
	w         *Worker
	sessionID string
	started   atomic.Bool
}

func (t *Telemetry) Endpoints() Endpoints {
	return t.endpoints
}

// Start registers the session with the worker. The connection message is
// replayed on every (re)connect.
func (t *Telemetry) Start(connMsg ConnectionMessage) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	payload := map[string]any{
		"msg":            "system.connected",
		"name":           connMsg.Name,
		"implementation": connMsg.Implementation,
		"version":        connMsg.Version,
		"chain":          connMsg.Chain,
		"genesis_hash":   connMsg.GenesisHash,
		"authority":      connMsg.Authority,
		"network_id":     connMsg.NetworkID,
		"startup_time":   connMsg.StartupTime,
		"session_id":     t.sessionID,
	}
	t.w.register <- registration{telemetryID: t.id, endpoints: t.endpoints, connMsg: payload}
	return nil
}

func (t *Telemetry) Handle() *Handle {
	return &Handle{telemetryID: t.id, w: t.w}
}

// Handle emits telemetry messages. A nil handle discards everything.
type Handle struct {
	telemetryID uint64
	w           *Worker
}

// Send queues a message without blocking.
func (h *Handle) Send(verbosity uint8, msg string, fields map[string]any) {
	if h == nil {
		return
	}
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["msg"] = msg

	select {
	case h.w.messages <- message{telemetryID: h.telemetryID, verbosity: verbosity, payload: payload}:
	default:
		log.Debug("telemetry buffer full, message dropped", zap.String("msg", msg))
	}
}
