package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxBackoff   = time.Minute
	writeTimeout = 10 * time.Second
	outboxSize   = 64
)

type envelope struct {
	ID      uint64         `json:"id"`
	Ts      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

type route struct {
	conn      *connection
	verbosity uint8
}

// Run dispatches queued messages to the endpoint connections until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	conns := make(map[string]*connection)
	routes := make(map[uint64][]route)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reg := <-w.register:
			for _, ep := range reg.endpoints {
				c, ok := conns[ep.URL]
				if !ok {
					c = newConnection(ep.URL, w.backoff)
					conns[ep.URL] = c
					wg.Add(1)
					go func() {
						defer wg.Done()
						c.run(ctx)
					}()
				}
				c.addConnectMessage(encode(reg.telemetryID, reg.connMsg))
				routes[reg.telemetryID] = append(routes[reg.telemetryID], route{conn: c, verbosity: ep.Verbosity})
			}
		case msg := <-w.messages:
			data := encode(msg.telemetryID, msg.payload)
			if data == nil {
				continue
			}
			for _, r := range routes[msg.telemetryID] {
				if msg.verbosity <= r.verbosity {
					r.conn.send(data)
				}
			}
		}
	}
}

func encode(id uint64, payload map[string]any) []byte {
	data, err := json.Marshal(envelope{ID: id, Ts: time.Now().UTC().Format(time.RFC3339Nano), Payload: payload})
	if err != nil {
		log.Warn("encode telemetry message", zap.Error(err))
		return nil
	}
	return data
}

// connection keeps a websocket to one endpoint open, reconnecting with
// exponential backoff.
type connection struct {
	url     string
	backoff time.Duration
	outbox  chan []byte

	mu          sync.Mutex
	connectMsgs [][]byte
}

func newConnection(url string, backoff time.Duration) *connection {
	return &connection{url: url, backoff: backoff, outbox: make(chan []byte, outboxSize)}
}

func (c *connection) addConnectMessage(data []byte) {
	c.mu.Lock()
	c.connectMsgs = append(c.connectMsgs, data)
	c.mu.Unlock()
	c.send(data)
}

func (c *connection) send(data []byte) {
	select {
	case c.outbox <- data:
	default:
	}
}

func (c *connection) run(ctx context.Context) {
	backoff := c.backoff
	first := true
	for {
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
		first = false

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("telemetry dial failed", zap.String("url", c.url), zap.Error(err))
			continue
		}

		log.Info("telemetry connected", zap.String("url", c.url))
		backoff = c.backoff
		if err = c.serve(ctx, conn); err != nil {
			log.Debug("telemetry connection lost", zap.String("url", c.url), zap.Error(err))
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *connection) serve(ctx context.Context, conn *websocket.Conn) error {
	// Drop whatever queued up while disconnected, connect messages included;
	// they are replayed below.
	for drained := false; !drained; {
		select {
		case <-c.outbox:
		default:
			drained = true
		}
	}

	c.mu.Lock()
	replay := append([][]byte(nil), c.connectMsgs...)
	c.mu.Unlock()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	for _, data := range replay {
		if err := write(data); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case data := <-c.outbox:
			if err := write(data); err != nil {
				return err
			}
		}
	}
}
