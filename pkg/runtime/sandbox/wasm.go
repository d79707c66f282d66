package sandbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/loader"
)

// Guest ABI: modules import host_call from the "plinth" host module and
// export plinth_alloc plus one handler function per declared extension
// point. Handlers and host_call both pass (ptr, len) pairs into linear
// memory, with responses packed as ptr<<32|len in a single u64.
const (
	hostModuleName = "plinth"
	allocExport    = "plinth_alloc"
)

type handlerKey struct{}

func withHandler(ctx context.Context, h hostcall.Handler) context.Context {
	return context.WithValue(ctx, handlerKey{}, h)
}

func handlerFrom(ctx context.Context) hostcall.Handler {
	h, _ := ctx.Value(handlerKey{}).(hostcall.Handler)
	return h
}

// WasmEngine instantiates wasm modules on the loader's shared runtime. The
// host module is registered once; each guest instance links against it, and
// the per-request handler rides the invocation context so concurrent
// instances never see each other's bridge.
type WasmEngine struct {
	runtime wazero.Runtime
}

// NewWasmEngine registers the plinth host module on the runtime.
func NewWasmEngine(ctx context.Context, r wazero.Runtime) (*WasmEngine, error) {
	_, err := r.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(hostCall).
		Export("host_call").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: register host module: %w", err)
	}
	return &WasmEngine{runtime: r}, nil
}

// hostCall services one host call from guest code. It runs on the goroutine
// driving the guest, so blocking I/O inside the handler parks that goroutine
// cooperatively; no worker thread is pinned.
func hostCall(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
	handler := handlerFrom(ctx)
	if handler == nil {
		return 0
	}
	req, ok := m.Memory().Read(ptr, size)
	if !ok {
		return 0
	}
	// Read copies out before the handler runs; the guest may grow (and so
	// move) its memory while we are away.
	reqCopy := make([]byte, len(req))
	copy(reqCopy, req)

	resp := handler.Call(ctx, reqCopy)
	return writeGuest(ctx, m, resp)
}

// writeGuest copies resp into guest memory via the guest's own allocator and
// returns the packed location, or 0 when the guest cannot receive it.
func writeGuest(ctx context.Context, m api.Module, resp []byte) uint64 {
	if len(resp) == 0 {
		return 0
	}
	alloc := m.ExportedFunction(allocExport)
	if alloc == nil {
		return 0
	}
	out, err := alloc.Call(ctx, uint64(len(resp)))
	if err != nil || len(out) == 0 {
		return 0
	}
	respPtr := uint32(out[0])
	if !m.Memory().Write(respPtr, resp) {
		return 0
	}
	return uint64(respPtr)<<32 | uint64(len(resp))
}

// Instantiate creates one isolated instance. Instantiation cost is dominated
// by linking the precompiled module, not recompilation, which keeps the
// fresh-instance-per-request model cheap.
func (e *WasmEngine) Instantiate(ctx context.Context, mod *loader.Module, handler hostcall.Handler) (Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName(mod.Manifest.Name + "-" + uuid.NewString()).
		WithStartFunctions("_initialize")
	ctx = withHandler(ctx, handler)
	inst, err := e.runtime.InstantiateModule(ctx, mod.Compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instantiate %s: %w", mod.Manifest.Name, err)
	}
	return &wasmInstance{
		module:  mod.Manifest.Name,
		mod:     inst,
		handler: handler,
	}, nil
}

type wasmInstance struct {
	module  string
	mod     api.Module
	handler hostcall.Handler
}

func (w *wasmInstance) Invoke(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn := w.mod.ExportedFunction(export)
	if fn == nil {
		return nil, &ErrNoExport{Module: w.module, Export: export}
	}
	ctx = withHandler(ctx, w.handler)

	ptr, size, err := w.copyIn(ctx, payload)
	if err != nil {
		return nil, err
	}
	out, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, fmt.Errorf("sandbox: %s.%s trapped: %w", w.module, export, err)
	}
	if len(out) == 0 || out[0] == 0 {
		return nil, nil
	}
	respPtr := uint32(out[0] >> 32)
	respLen := uint32(out[0])
	resp, ok := w.mod.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, fmt.Errorf("sandbox: %s.%s returned out-of-range memory", w.module, export)
	}
	respCopy := make([]byte, len(resp))
	copy(respCopy, resp)
	return respCopy, nil
}

func (w *wasmInstance) copyIn(ctx context.Context, payload []byte) (uint32, uint32, error) {
	if len(payload) == 0 {
		return 0, 0, nil
	}
	alloc := w.mod.ExportedFunction(allocExport)
	if alloc == nil {
		return 0, 0, &ErrNoExport{Module: w.module, Export: allocExport}
	}
	out, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, 0, fmt.Errorf("sandbox: %s alloc: %w", w.module, err)
	}
	ptr := uint32(out[0])
	if !w.mod.Memory().Write(ptr, payload) {
		return 0, 0, fmt.Errorf("sandbox: %s alloc returned out-of-range pointer %d", w.module, ptr)
	}
	return ptr, uint32(len(payload)), nil
}

func (w *wasmInstance) Close(ctx context.Context) error {
	return w.mod.Close(ctx)
}
