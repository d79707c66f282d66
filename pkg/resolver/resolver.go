// Package resolver orders enabled modules so every module loads strictly
// after its declared dependencies.
package resolver

import (
	"fmt"
	"strings"

	"github.com/plinthworks/plinth/pkg/manifest"
)

// CycleError reports a dependency cycle. Chain holds the module names forming
// the cycle, starting and ending with the same module.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Chain, " -> ")
}

// MissingError reports a dependency on a module absent from the enabled set.
type MissingError struct {
	Module     string
	Dependency string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("module %q depends on %q, which is not enabled", e.Module, e.Dependency)
}

// Resolve produces one total load order for the enabled modules via
// depth-first topological sort. Ties between independent modules follow their
// position in enabled, so the output is reproducible given stable input.
// Any cycle or missing dependency aborts the whole resolution: a partial
// order is never returned.
func Resolve(enabled []string, manifests map[string]*manifest.Manifest) ([]string, error) {
	const (
		unseen = iota
		visiting
		visited
	)
	state := make(map[string]int, len(enabled))
	order := make([]string, 0, len(enabled))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			// Back-edge: the cycle is the stack suffix from the first
			// occurrence of name, closed with name itself.
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			chain := append(append([]string{}, stack[start:]...), name)
			return &CycleError{Chain: chain}
		}

		m, ok := manifests[name]
		if !ok {
			requirer := name
			if len(stack) > 0 {
				requirer = stack[len(stack)-1]
			}
			return &MissingError{Module: requirer, Dependency: name}
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range m.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range enabled {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Dependents returns the transitive dependents of root within enabled,
// root excluded. Used when a failed module must disable everything that
// declared a dependency on it.
func Dependents(root string, enabled []string, manifests map[string]*manifest.Manifest) []string {
	affected := map[string]bool{root: true}
	// Iterate to a fixed point; the enabled set is small.
	for changed := true; changed; {
		changed = false
		for _, name := range enabled {
			if affected[name] {
				continue
			}
			m, ok := manifests[name]
			if !ok {
				continue
			}
			for _, dep := range m.Dependencies {
				if affected[dep] {
					affected[name] = true
					changed = true
					break
				}
			}
		}
	}
	var out []string
	for _, name := range enabled {
		if name != root && affected[name] {
			out = append(out, name)
		}
	}
	return out
}
