// Package loader compiles each enabled module's bytecode once at startup
// into an immutable, thread-shareable artifact. Compiled modules are the only
// sandbox state shared across requests; everything instantiated from them is
// per-request.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/plinthworks/plinth/pkg/artifacts"
	"github.com/plinthworks/plinth/pkg/manifest"
	"github.com/plinthworks/plinth/pkg/resolver"
)

// Module pairs a parsed manifest with its compiled bytecode.
type Module struct {
	Manifest *manifest.Manifest
	Compiled wazero.CompiledModule
	Digest   string
}

// CompileError is a bad or unverifiable artifact, scoped to one module.
type CompileError struct {
	Module string
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("module %q: %s", e.Module, e.Reason)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Policy decides what a missing or corrupt artifact does to the load phase.
type Policy int

const (
	// FailFast aborts the whole load phase on the first bad artifact. This is
	// the default: already-resolved modules may depend on the failed one, and
	// continuing would break the resolver's ordering guarantee for them.
	FailFast Policy = iota
	// SkipWithDependents drops the failed module and everything that
	// transitively depends on it, with a warning, and loads the rest. This
	// keeps partial service at the cost of a weaker dependency guarantee.
	SkipWithDependents
)

// Config tunes the shared sandbox runtime.
type Config struct {
	// MemoryLimitBytes caps each instance's linear memory. Zero means the
	// wazero default.
	MemoryLimitBytes int64
	Policy           Policy
}

// Loader owns the process-wide wazero runtime and the compiled-module set.
type Loader struct {
	runtime wazero.Runtime
	store   artifacts.Store
	config  Config
	logger  *slog.Logger
}

// New creates the shared runtime. WithCloseOnContextDone makes the per-call
// watchdog deadline able to interrupt guest code stuck in a tight
// non-suspending loop, which cooperative cancellation alone cannot stop.
func New(ctx context.Context, store artifacts.Store, cfg Config, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rCfg = rCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("loader: instantiate WASI: %w", err)
	}
	return &Loader{runtime: r, store: store, config: cfg, logger: logger}, nil
}

// Runtime exposes the shared wazero runtime for instance creation.
func (l *Loader) Runtime() wazero.Runtime { return l.runtime }

// Load compiles every module in order. It returns the compiled set and the
// surviving load order (identical to order under FailFast; possibly shorter
// under SkipWithDependents).
func (l *Loader) Load(ctx context.Context, order []string, manifests map[string]*manifest.Manifest) (map[string]*Module, []string, error) {
	dropped := make(map[string]bool)
	loaded := make(map[string]*Module, len(order))
	surviving := make([]string, 0, len(order))

	for _, name := range order {
		if dropped[name] {
			continue
		}
		m, ok := manifests[name]
		if !ok {
			return nil, nil, &CompileError{Module: name, Reason: "enabled but has no manifest"}
		}

		mod, err := l.compileOne(ctx, m)
		if err != nil {
			if l.config.Policy == FailFast {
				return nil, nil, err
			}
			casualties := resolver.Dependents(name, order, manifests)
			l.logger.Warn("skipping module with bad artifact",
				"module", name, "error", err, "dependents_disabled", casualties)
			dropped[name] = true
			for _, d := range casualties {
				dropped[d] = true
			}
			continue
		}
		loaded[name] = mod
		surviving = append(surviving, name)
	}
	return loaded, surviving, nil
}

func (l *Loader) compileOne(ctx context.Context, m *manifest.Manifest) (*Module, error) {
	start := time.Now()
	data, err := l.store.Fetch(ctx, m.Artifact.Path)
	if err != nil {
		return nil, &CompileError{Module: m.Name, Reason: "artifact missing", Err: err}
	}
	if err := artifacts.VerifyDigest(data, m.Artifact.Digest); err != nil {
		return nil, &CompileError{Module: m.Name, Reason: err.Error(), Err: err}
	}
	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, &CompileError{Module: m.Name, Reason: "compile failed: " + err.Error(), Err: err}
	}
	l.logger.Debug("compiled module",
		"module", m.Name, "version", m.Version,
		"bytes", len(data), "elapsed", time.Since(start))
	return &Module{Manifest: m, Compiled: compiled, Digest: artifacts.Digest(data)}, nil
}

// Close releases the runtime and every compiled module.
func (l *Loader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}
