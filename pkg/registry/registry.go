// Package registry maps extension-point names to the ordered modules
// implementing them. It is the source of truth the dispatcher consults.
package registry

import (
	"sort"
	"sync"

	"github.com/plinthworks/plinth/pkg/manifest"
)

// Registration is one module's claim on one extension point.
type Registration struct {
	Point  string
	Module string
	Weight int
	Export string
}

// Registry is a thread-safe extension-point index. Reads vastly outnumber
// writes: Rebuild happens only when the enabled-module set changes.
type Registry struct {
	mu     sync.RWMutex
	points map[string][]Registration
}

func New() *Registry {
	return &Registry{points: make(map[string][]Registration)}
}

// Rebuild discards the index and re-derives it from the load order and
// manifests. Appending in load order then stable-sorting by weight gives the
// dispatch order: weight ascending, load order (dependency-respecting) as the
// tie-break. Rebuild is idempotent; entries for modules absent from order are
// gone afterwards.
func (r *Registry) Rebuild(order []string, manifests map[string]*manifest.Manifest) {
	points := make(map[string][]Registration)
	for _, name := range order {
		m, ok := manifests[name]
		if !ok {
			continue
		}
		for _, ep := range m.ExtensionPoints {
			export := ep.Export
			if export == "" {
				export = manifest.DefaultExport(ep.Point)
			}
			points[ep.Point] = append(points[ep.Point], Registration{
				Point:  ep.Point,
				Module: name,
				Weight: ep.Weight,
				Export: export,
			})
		}
	}
	for point := range points {
		regs := points[point]
		sort.SliceStable(regs, func(i, j int) bool { return regs[i].Weight < regs[j].Weight })
	}

	r.mu.Lock()
	r.points = points
	r.mu.Unlock()
}

// ImplementorsOf returns the ordered registrations for a point. No
// implementors is an empty slice, never an error. The returned slice is a
// copy; callers may not mutate the index through it.
func (r *Registry) ImplementorsOf(point string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.points[point]
	out := make([]Registration, len(regs))
	copy(out, regs)
	return out
}

// Points returns every extension point with at least one implementor, sorted.
func (r *Registry) Points() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.points))
	for p := range r.points {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
