// Package runtime assembles the pieces of the Plinth host: manifest scan,
// dependency resolution, artifact compilation, registry build, capability
// bridge, and per-request execution contexts.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plinthworks/plinth/pkg/artifacts"
	"github.com/plinthworks/plinth/pkg/config"
	"github.com/plinthworks/plinth/pkg/dispatch"
	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/loader"
	"github.com/plinthworks/plinth/pkg/manifest"
	"github.com/plinthworks/plinth/pkg/registry"
	"github.com/plinthworks/plinth/pkg/resolver"
	"github.com/plinthworks/plinth/pkg/runtime/execctx"
	"github.com/plinthworks/plinth/pkg/runtime/sandbox"
)

// HostOptions carries everything NewHost cannot derive from the profile.
type HostOptions struct {
	Profile   *config.Profile
	Services  hostcall.Services
	Artifacts artifacts.Store
	Logger    *slog.Logger

	// Engine overrides the wasm engine; tests use the native engine.
	Engine sandbox.Engine
	// Loader overrides the artifact loader, paired with Engine above.
	Loader *loader.Loader

	DispatchOptions []dispatch.Option
}

// Host is one fully assembled runtime: the activated module set and the
// machinery to dispatch into it.
type Host struct {
	profile    *config.Profile
	logger     *slog.Logger
	loader     *loader.Loader
	engine     sandbox.Engine
	pool       *sandbox.Pool
	bridge     *hostcall.Bridge
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	modules    map[string]*loader.Module
	order      []string
}

// NewHost activates the profile's module set: scan the modules directory,
// resolve dependencies, compile artifacts, and build the extension-point
// registry. A module failing activation is handled per the profile's
// artifact-failure policy.
func NewHost(ctx context.Context, opts HostOptions) (*Host, error) {
	prof := opts.Profile
	if prof == nil {
		prof = config.DefaultProfile()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Services.Logger == nil {
		opts.Services.Logger = logger
	}

	manifests, available, err := manifest.ScanDir(prof.ModulesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: scan modules: %w", err)
	}

	enabled := prof.Enabled
	if len(enabled) == 0 {
		enabled = available
	}
	order, err := resolver.Resolve(enabled, manifests)
	if err != nil {
		return nil, fmt.Errorf("runtime: resolve: %w", err)
	}
	logger.Info("module order resolved", "order", order)

	ld := opts.Loader
	engine := opts.Engine
	if ld == nil {
		policy := loader.FailFast
		if prof.Sandbox.OnArtifactFailure == "skip_with_dependents" {
			policy = loader.SkipWithDependents
		}
		store := opts.Artifacts
		if store == nil {
			store, err = newArtifactStore(ctx, prof.Artifacts)
			if err != nil {
				return nil, fmt.Errorf("runtime: artifact store: %w", err)
			}
		}
		ld, err = loader.New(ctx, store, loader.Config{
			MemoryLimitBytes: int64(prof.Sandbox.MemoryLimitBytes),
			Policy:           policy,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	modules, surviving, err := ld.Load(ctx, order, manifests)
	if err != nil {
		_ = ld.Close(ctx)
		return nil, err
	}
	if engine == nil {
		engine, err = sandbox.NewWasmEngine(ctx, ld.Runtime())
		if err != nil {
			_ = ld.Close(ctx)
			return nil, err
		}
	}

	reg := registry.New()
	reg.Rebuild(surviving, manifests)

	bridge, err := hostcall.New(opts.Services)
	if err != nil {
		_ = ld.Close(ctx)
		return nil, err
	}

	dopts := []dispatch.Option{
		dispatch.WithTimeout(prof.DispatchTimeout()),
		dispatch.WithLogger(logger),
	}
	if prof.Dispatch.DenyShortCircuit {
		dopts = append(dopts, dispatch.WithDenyShortCircuit())
	}
	if prof.Dispatch.NeutralPolicy != "" {
		policy, err := dispatch.NewPolicy(prof.Dispatch.NeutralPolicy)
		if err != nil {
			_ = ld.Close(ctx)
			return nil, fmt.Errorf("runtime: neutral policy: %w", err)
		}
		dopts = append(dopts, dispatch.WithNeutralPolicy(policy))
	}
	dopts = append(dopts, opts.DispatchOptions...)

	return &Host{
		profile:    prof,
		logger:     logger,
		loader:     ld,
		engine:     engine,
		pool:       sandbox.NewPool(prof.Sandbox.MaxInstances, prof.PoolWait()),
		bridge:     bridge,
		registry:   reg,
		dispatcher: dispatch.New(reg, dopts...),
		modules:    modules,
		order:      surviving,
	}, nil
}

// newArtifactStore builds the fetch backend the profile names.
func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case "", "file":
		return artifacts.NewFileStore(), nil
	case "s3":
		return artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewRequest opens an execution context for one request acting as id.
func (h *Host) NewRequest(id *identity.Identity) *execctx.Context {
	return execctx.New(h.engine, h.pool, h.bridge, h.modules, id, h.logger)
}

// Dispatcher returns the extension-point dispatcher.
func (h *Host) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// Registry returns the live extension-point registry.
func (h *Host) Registry() *registry.Registry { return h.registry }

// Order is the surviving activation order.
func (h *Host) Order() []string { return append([]string(nil), h.order...) }

// Close tears the runtime down.
func (h *Host) Close(ctx context.Context) error {
	return h.loader.Close(ctx)
}
