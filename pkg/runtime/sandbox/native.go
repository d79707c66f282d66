package sandbox

import (
	"context"
	"sync"

	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/loader"
)

// NativeCall is what a native handler receives: the request-scoped host
// bridge, the instance's private working memory, and the boundary payload.
type NativeCall struct {
	Host    hostcall.Handler
	State   map[string]any
	Payload []byte
}

// NativeHandler is a Go implementation of one guest export.
type NativeHandler func(ctx context.Context, call *NativeCall) ([]byte, error)

// NativeEngine runs module handlers as plain Go functions. It exists for
// host-side tests and developer mode, where recompiling a wasm artifact per
// iteration is friction. WARNING: NOT SECURE. DO NOT USE IN PRODUCTION.
type NativeEngine struct {
	mu    sync.RWMutex
	funcs map[string]map[string]NativeHandler
}

func NewNativeEngine() *NativeEngine {
	return &NativeEngine{funcs: make(map[string]map[string]NativeHandler)}
}

// Register installs the handler for one module export.
func (e *NativeEngine) Register(module, export string, fn NativeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.funcs[module] == nil {
		e.funcs[module] = make(map[string]NativeHandler)
	}
	e.funcs[module][export] = fn
}

// Instantiate creates an instance with fresh private state, mirroring a
// wasm instance's fresh linear memory.
func (e *NativeEngine) Instantiate(_ context.Context, mod *loader.Module, handler hostcall.Handler) (Instance, error) {
	e.mu.RLock()
	funcs := e.funcs[mod.Manifest.Name]
	e.mu.RUnlock()
	return &nativeInstance{
		module:  mod.Manifest.Name,
		funcs:   funcs,
		handler: handler,
		state:   make(map[string]any),
	}, nil
}

type nativeInstance struct {
	module  string
	funcs   map[string]NativeHandler
	handler hostcall.Handler
	state   map[string]any
	closed  bool
}

func (n *nativeInstance) Invoke(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn, ok := n.funcs[export]
	if !ok {
		return nil, &ErrNoExport{Module: n.module, Export: export}
	}
	return fn(ctx, &NativeCall{Host: n.handler, State: n.state, Payload: payload})
}

func (n *nativeInstance) Close(context.Context) error {
	n.closed = true
	n.state = nil
	return nil
}
