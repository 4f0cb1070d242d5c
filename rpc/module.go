// Package rpc is the JSON-RPC 2.0 surface of a node.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/anyproto/any-sync/app/logger"
)

const CName = "node.rpc"

var log = logger.NewNamed(CName)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
	CodeUnsafe         = -32010
)

var (
	ErrUnsafeRPCCalled = errors.New("RPC call is unsafe to be called externally")
	ErrDuplicateMethod = errors.New("rpc method already registered")
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
}

// DenyUnsafe is true when methods that expose or change node internals must
// be refused.
type DenyUnsafe bool

func (d DenyUnsafe) Check() error {
	if d {
		return &Error{Code: CodeUnsafe, Message: ErrUnsafeRPCCalled.Error()}
	}
	return nil
}

// Methods is the policy for unsafe methods.
type Methods string

const (
	MethodsAuto   Methods = "auto"
	MethodsSafe   Methods = "safe"
	MethodsUnsafe Methods = "unsafe"
)

func ParseMethods(s string) (Methods, error) {
	switch m := Methods(strings.ToLower(s)); m {
	case "":
		return MethodsAuto, nil
	case MethodsAuto, MethodsSafe, MethodsUnsafe:
		return m, nil
	}
	return "", fmt.Errorf("unknown rpc methods policy %q", s)
}

// DenyUnsafe resolves the policy for a listen address. Auto allows unsafe
// methods on loopback listeners only.
func (m Methods) DenyUnsafe(listen string) DenyUnsafe {
	switch m {
	case MethodsSafe:
		return true
	case MethodsUnsafe:
		return false
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return true
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return DenyUnsafe(ip == nil || !ip.IsLoopback())
}

// Handler serves one method. params is the raw "params" member.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Module is a set of named methods.
type Module struct {
	methods map[string]Handler
}

func NewModule() *Module {
	return &Module{methods: make(map[string]Handler)}
}

func (m *Module) Register(name string, h Handler) error {
	if _, ok := m.methods[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	m.methods[name] = h
	return nil
}

// Merge adds every method of other.
func (m *Module) Merge(other *Module) error {
	for name, h := range other.methods {
		if err := m.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Methods returns the sorted method names.
func (m *Module) Methods() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h, ok := m.methods[method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
	}
	return h(ctx, params)
}

// ParseParams decodes positional params into out. Missing trailing params
// leave their targets untouched.
func ParseParams(raw json.RawMessage, out ...any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return InvalidParams(err)
	}
	if len(list) > len(out) {
		return InvalidParams(fmt.Errorf("expected at most %d params, got %d", len(out), len(list)))
	}
	for i, p := range list {
		if err := json.Unmarshal(p, out[i]); err != nil {
			return InvalidParams(fmt.Errorf("param %d: %w", i, err))
		}
	}
	return nil
}
