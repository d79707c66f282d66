// Package execctx owns every sandbox instance alive for one in-flight
// request. A Context is created at request start, used only by the goroutine
// handling that request, and dropped wholesale at request end. That
// exclusive ownership is the isolation boundary between concurrent requests,
// and it is why nothing here takes a lock.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/loader"
	"github.com/plinthworks/plinth/pkg/runtime/sandbox"
)

// ErrClosed is returned for any use of a context after Close.
var ErrClosed = errors.New("execctx: context already closed")

// Context is the per-request instance arena. Not safe for concurrent use.
type Context struct {
	id        string
	engine    sandbox.Engine
	pool      *sandbox.Pool
	bridge    *hostcall.Bridge
	ident     *identity.Identity
	modules   map[string]*loader.Module
	logger    *slog.Logger
	instances map[string]sandbox.Instance
	releases  map[string]func()
	closed    bool
}

// New creates the context for one request. modules is the shared compiled
// set; it is read-only here.
func New(engine sandbox.Engine, pool *sandbox.Pool, bridge *hostcall.Bridge,
	modules map[string]*loader.Module, ident *identity.Identity, logger *slog.Logger) *Context {
	if ident == nil {
		ident = identity.Anonymous
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Context{
		id:        id,
		engine:    engine,
		pool:      pool,
		bridge:    bridge,
		ident:     ident,
		modules:   modules,
		logger:    logger.With("request", id),
		instances: make(map[string]sandbox.Instance),
		releases:  make(map[string]func()),
	}
}

// ID identifies this request's context in logs.
func (c *Context) ID() string { return c.id }

// Identity is the subject this request acts as.
func (c *Context) Identity() *identity.Identity { return c.ident }

// InstanceFor returns the module's instance for this request, creating it on
// first use. The transition is one-way: once instantiated, the same instance
// services every later call in the request, so a module can treat its own
// memory as request-scoped working state.
func (c *Context) InstanceFor(ctx context.Context, name string) (sandbox.Instance, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if inst, live := c.instances[name]; live {
		return inst, nil
	}
	mod, known := c.modules[name]
	if !known {
		return nil, fmt.Errorf("execctx: no loaded module %q", name)
	}

	release, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	binding := c.bridge.Bind(mod.Manifest, c.ident, c)
	inst, err := c.engine.Instantiate(ctx, mod, binding)
	if err != nil {
		release()
		return nil, err
	}
	c.instances[name] = inst
	c.releases[name] = release
	return inst, nil
}

// Invoke calls one export on one module inside this context.
func (c *Context) Invoke(ctx context.Context, module, export string, payload []byte) ([]byte, error) {
	inst, err := c.InstanceFor(ctx, module)
	if err != nil {
		return nil, err
	}
	return inst.Invoke(ctx, export, payload)
}

// InvokeModule services the invoke capability: one module calling a named
// export of another within the same request. Failures are typed values
// (absent module, undeclared export, declared-but-missing export), never a
// raw trap.
func (c *Context) InvokeModule(ctx context.Context, module, export string, payload []byte) ([]byte, *hostcall.Error) {
	mod, known := c.modules[module]
	if !known {
		return nil, &hostcall.Error{
			Code:    hostcall.ErrInvokeNoModule,
			Message: fmt.Sprintf("no enabled module %q", module),
		}
	}
	if !declaresExport(mod, export) {
		return nil, &hostcall.Error{
			Code:    hostcall.ErrInvokeNotDeclared,
			Message: fmt.Sprintf("module %q does not declare export %q in its manifest", module, export),
		}
	}
	out, err := c.Invoke(ctx, module, export, payload)
	if err != nil {
		var noExport *sandbox.ErrNoExport
		if errors.As(err, &noExport) {
			return nil, &hostcall.Error{
				Code:    hostcall.ErrInvokeNoExport,
				Message: fmt.Sprintf("module %q declares %q but its artifact does not export it", module, export),
			}
		}
		return nil, &hostcall.Error{Code: hostcall.ErrInternal, Message: err.Error()}
	}
	return out, nil
}

func declaresExport(mod *loader.Module, export string) bool {
	for _, ep := range mod.Manifest.ExtensionPoints {
		if ep.Export == export {
			return true
		}
	}
	return false
}

// Live reports whether the module already has an instance in this request.
func (c *Context) Live(name string) bool {
	_, live := c.instances[name]
	return live
}

// Close drops every instance unconditionally and returns their pool slots.
// Nothing survives to the next request.
func (c *Context) Close(ctx context.Context) {
	if c.closed {
		return
	}
	c.closed = true
	for name, inst := range c.instances {
		if err := inst.Close(ctx); err != nil {
			c.logger.Warn("instance close failed", "module", name, "error", err)
		}
		c.releases[name]()
	}
	c.instances = nil
	c.releases = nil
}
