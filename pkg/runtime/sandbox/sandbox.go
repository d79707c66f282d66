// Package sandbox instantiates compiled modules into isolated, per-request
// instances and carries their host calls across the boundary.
package sandbox

import (
	"context"
	"fmt"

	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/loader"
)

// Instance is one live sandbox of one module, owned by exactly one request.
// Not safe for concurrent use; the owning request's goroutine is the only
// caller.
type Instance interface {
	// Invoke calls a guest export with one boundary payload and returns the
	// guest's response bytes. A runtime trap surfaces as an error.
	Invoke(ctx context.Context, export string, payload []byte) ([]byte, error)

	// Close releases the instance's resources.
	Close(ctx context.Context) error
}

// Engine turns a compiled module into an Instance wired to a host-call
// handler. Engines are shared and thread-safe; the instances they return are
// not.
type Engine interface {
	Instantiate(ctx context.Context, mod *loader.Module, handler hostcall.Handler) (Instance, error)
}

// ErrNoExport reports an export the guest does not actually provide.
type ErrNoExport struct {
	Module string
	Export string
}

func (e *ErrNoExport) Error() string {
	return fmt.Sprintf("module %q does not export %q", e.Module, e.Export)
}
