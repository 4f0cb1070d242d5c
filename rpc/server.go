package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRequestSize = 15 << 20

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Server serves a module over HTTP POST.
type Server struct {
	listen string
	module *Module
	engine *gin.Engine
	server *http.Server
}

func NewServer(listen string, module *Module) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{listen: listen, module: module, engine: engine}
	engine.POST("/", s.handle)
	engine.GET("/health", s.health)

	s.server = &http.Server{
		Addr:              listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.listen)
}

// Run binds and serves until ctx is done. ready, when not nil, receives the
// bound address.
func (s *Server) Run(ctx context.Context, ready func(addr net.Addr)) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done and closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info("rpc server listening", zap.String("addr", ln.Addr().String()), zap.Int("methods", len(s.module.methods)))

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down rpc server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handle(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)

	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: "Parse error"}})
		return
	}

	raw = bytes.TrimSpace(raw)
	if raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil || len(batch) == 0 {
			c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeInvalidRequest, Message: "Invalid request"}})
			return
		}
		out := make([]response, 0, len(batch))
		for _, item := range batch {
			if resp, ok := s.call(c.Request.Context(), item); ok {
				out = append(out, resp)
			}
		}
		if len(out) == 0 {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	resp, ok := s.call(c.Request.Context(), raw)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// call runs one request. ok is false for notifications.
func (s *Server) call(ctx context.Context, raw json.RawMessage) (response, bool) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		return response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeInvalidRequest, Message: "Invalid request"}}, true
	}

	result, err := s.module.Call(ctx, req.Method, req.Params)
	if len(req.ID) == 0 {
		return response{}, false
	}
	resp := response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			log.Debug("rpc call failed", zap.String("method", req.Method), zap.Error(err))
			rpcErr = &Error{Code: CodeServerError, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp, true
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	resp.Result = result
	return resp, true
}
