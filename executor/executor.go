// Package executor dispatches runtime API calls to the native runtime and falls
// back to the on-chain WASM runtime for methods the native side does not know.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const CName = "node.executor"

var log = logger.NewNamed(CName)

const (
	DefaultHeapPages    = 2048
	DefaultMaxInstances = 8

	allocExport = "alloc"
)

var (
	ErrMethodNotFound  = errors.New("runtime method not found")
	ErrInvalidMethod   = errors.New("unknown wasm execution method")
	ErrBadWasmABI      = errors.New("wasm runtime violates the call abi")
	ErrExecutorClosed  = errors.New("executor closed")
	ErrInvalidInstance = errors.New("max runtime instances must be positive")
)

// WasmExecutionMethod selects how WASM code is executed.
type WasmExecutionMethod string

const (
	Interpreted WasmExecutionMethod = "interpreted"
	Compiled    WasmExecutionMethod = "compiled"
)

func ParseWasmExecutionMethod(s string) (WasmExecutionMethod, error) {
	switch m := WasmExecutionMethod(strings.ToLower(s)); m {
	case Interpreted, Compiled:
		return m, nil
	case "":
		return Compiled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
}

// RuntimeVersion identifies a runtime build.
type RuntimeVersion struct {
	SpecName           string `bson:"specName" json:"specName"`
	ImplName           string `bson:"implName" json:"implName"`
	SpecVersion        uint32 `bson:"specVersion" json:"specVersion"`
	ImplVersion        uint32 `bson:"implVersion" json:"implVersion"`
	TransactionVersion uint32 `bson:"transactionVersion" json:"transactionVersion"`
}

// NativeDispatch is a runtime compiled into the node binary.
type NativeDispatch interface {
	// Dispatch runs method; ok is false when the method is unknown.
	Dispatch(ctx context.Context, method string, data []byte) (out []byte, ok bool, err error)
	Version() RuntimeVersion
}

// Executor is a native-else-WASM dispatcher, safe for concurrent use.
type Executor struct {
	native    NativeDispatch
	method    WasmExecutionMethod
	heapPages uint32
	instances *semaphore.Weighted

	mu      sync.RWMutex
	runtime wazero.Runtime
	module  wazero.CompiledModule
	closed  bool
}

func New(native NativeDispatch, method WasmExecutionMethod, heapPages uint64, maxInstances int) (*Executor, error) {
	if method != Interpreted && method != Compiled {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	if maxInstances <= 0 {
		return nil, ErrInvalidInstance
	}
	if heapPages == 0 {
		heapPages = DefaultHeapPages
	}
	if heapPages > 65536 {
		return nil, fmt.Errorf("heap pages %d exceed the 4GiB wasm address space", heapPages)
	}

	log.Info("executor created",
		zap.String("method", string(method)),
		zap.Uint64("heapPages", heapPages),
		zap.Int("maxInstances", maxInstances))

	return &Executor{
		native:    native,
		method:    method,
		heapPages: uint32(heapPages),
		instances: semaphore.NewWeighted(int64(maxInstances)),
	}, nil
}

func (e *Executor) NativeVersion() RuntimeVersion {
	return e.native.Version()
}

// SetRuntimeCode compiles code as the WASM fallback, replacing any previous one.
func (e *Executor) SetRuntimeCode(ctx context.Context, code []byte) error {
	var cfg wazero.RuntimeConfig
	if e.method == Interpreted {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		// Picks the compiler where the platform supports it.
		cfg = wazero.NewRuntimeConfig()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg.WithMemoryLimitPages(e.heapPages))

	module, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("compile runtime code: %w", err)
	}
	if _, ok := module.ExportedFunctions()[allocExport]; !ok {
		_ = rt.Close(ctx)
		return fmt.Errorf("%w: missing %q export", ErrBadWasmABI, allocExport)
	}

	e.mu.Lock()
	old := e.runtime
	e.runtime, e.module = rt, module
	e.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	log.Info("runtime code set", zap.Int("size", len(code)), zap.Int("exports", len(module.ExportedFunctions())))
	return nil
}

// Call runs a runtime API method.
func (e *Executor) Call(ctx context.Context, method string, data []byte) ([]byte, error) {
	out, ok, err := e.native.Dispatch(ctx, method, data)
	if ok {
		return out, err
	}
	return e.callWasm(ctx, method, data)
}

// callWasm instantiates the module and calls method(ptr, len) -> len<<32 | ptr.
func (e *Executor) callWasm(ctx context.Context, method string, data []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrExecutorClosed
	}
	if e.module == nil {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if _, ok := e.module.ExportedFunctions()[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}

	if err := e.instances.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.instances.Release(1)

	mod, err := e.runtime.InstantiateModule(ctx, e.module, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate runtime: %w", err)
	}
	defer mod.Close(ctx)

	ptr, err := writeInput(ctx, mod, data)
	if err != nil {
		return nil, err
	}

	res, err := mod.ExportedFunction(method).Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrBadWasmABI, method, len(res))
	}

	outPtr, outLen := uint32(res[0]), uint32(res[0]>>32)
	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%w: result out of memory bounds", ErrBadWasmABI)
	}
	return append([]byte(nil), out...), nil
}

func writeInput(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	res, err := mod.ExportedFunction(allocExport).Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc input: %w", err)
	}
	if len(res) != 1 || mod.Memory() == nil {
		return 0, fmt.Errorf("%w: alloc", ErrBadWasmABI)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("%w: input out of memory bounds", ErrBadWasmABI)
	}
	return ptr, nil
}

func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.runtime != nil {
		return e.runtime.Close(ctx)
	}
	return nil
}
