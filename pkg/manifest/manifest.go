// Package manifest defines the declarative descriptor of a Plinth extension
// module: identity, dependencies, contributed extension points, and capability
// grants. Manifests are read once at startup and immutable thereafter.
package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Grant names a capability a module is explicitly allowed beyond the default
// surface. Grants are deny-by-default: absent from the manifest means absent
// at runtime.
type Grant string

const (
	// GrantRawSQL lets a module bypass the structured-query descriptor and
	// submit raw SQL through the storage capability.
	GrantRawSQL Grant = "storage.raw"
	// GrantCacheFlush lets a module flush the whole cache namespace, not just
	// its own tags.
	GrantCacheFlush Grant = "cache.flush"
)

// ExtensionPoint declares that a module contributes behavior at a named host
// lifecycle point.
type ExtensionPoint struct {
	Point  string `yaml:"point" json:"point"`
	Weight int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	// Export is the guest function servicing this point. Defaults to
	// "handle_<point>" with dots replaced by underscores.
	Export string `yaml:"export,omitempty" json:"export,omitempty"`
}

// Artifact references the compiled bytecode this manifest describes.
type Artifact struct {
	Path   string `yaml:"path" json:"path"`
	Digest string `yaml:"digest,omitempty" json:"digest,omitempty"` // blake2b-256 hex
}

// Manifest is the parsed, validated descriptor of one extension module.
type Manifest struct {
	Name            string           `yaml:"name" json:"name"`
	Version         string           `yaml:"version" json:"version"`
	Description     string           `yaml:"description,omitempty" json:"description,omitempty"`
	Dependencies    []string         `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ExtensionPoints []ExtensionPoint `yaml:"extension_points,omitempty" json:"extension_points,omitempty"`
	Grants          []Grant          `yaml:"grants,omitempty" json:"grants,omitempty"`
	Artifact        Artifact         `yaml:"artifact" json:"artifact"`

	// Source is the descriptor file this manifest was read from, kept for
	// error reporting. Empty when parsed from raw bytes.
	Source string `yaml:"-" json:"-"`
}

// HasGrant reports whether the manifest carries an explicit capability grant.
func (m *Manifest) HasGrant(g Grant) bool {
	for _, have := range m.Grants {
		if have == g {
			return true
		}
	}
	return false
}

// Declares reports whether the manifest declares the named extension point,
// and returns its declaration if so.
func (m *Manifest) Declares(point string) (ExtensionPoint, bool) {
	for _, ep := range m.ExtensionPoints {
		if ep.Point == point {
			return ep, true
		}
	}
	return ExtensionPoint{}, false
}

// DefaultExport maps an extension-point name to its default guest export.
func DefaultExport(point string) string {
	return "handle_" + strings.ReplaceAll(point, ".", "_")
}

// Error is a manifest parse or validation failure, scoped to one module. It
// carries the descriptor file and offending field so operators can fix the
// descriptor without reading host logs.
type Error struct {
	File    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	file := e.File
	if file == "" {
		file = "<inline>"
	}
	if e.Field != "" {
		return fmt.Sprintf("manifest %s: field %q: %s", file, e.Field, e.Message)
	}
	return fmt.Sprintf("manifest %s: %s", file, e.Message)
}

// validate applies defaults and checks structural invariants. Returns the
// first violation as a *Error.
func (m *Manifest) validate() error {
	if m.Name == "" {
		return &Error{File: m.Source, Field: "name", Message: "required"}
	}
	if !identName.MatchString(m.Name) {
		return &Error{File: m.Source, Field: "name", Message: fmt.Sprintf("%q is not a valid module name", m.Name)}
	}
	if m.Version == "" {
		return &Error{File: m.Source, Field: "version", Message: "required"}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return &Error{File: m.Source, Field: "version", Message: fmt.Sprintf("%q is not semver: %v", m.Version, err)}
	}
	if m.Artifact.Path == "" {
		return &Error{File: m.Source, Field: "artifact.path", Message: "required"}
	}
	for i := range m.ExtensionPoints {
		ep := &m.ExtensionPoints[i]
		if ep.Point == "" {
			return &Error{File: m.Source, Field: fmt.Sprintf("extension_points[%d].point", i), Message: "required"}
		}
		if ep.Export == "" {
			ep.Export = DefaultExport(ep.Point)
		}
	}
	for i, dep := range m.Dependencies {
		if dep == m.Name {
			return &Error{File: m.Source, Field: fmt.Sprintf("dependencies[%d]", i), Message: "module depends on itself"}
		}
	}
	return nil
}
