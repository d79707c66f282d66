package manifest

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var identName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// knownKeys are the top-level descriptor keys this host version understands.
// Anything else is tolerated with a warning so newer descriptors still load.
var knownKeys = map[string]bool{
	"name":             true,
	"version":          true,
	"description":      true,
	"dependencies":     true,
	"extension_points": true,
	"grants":           true,
	"artifact":         true,
}

// Parse decodes a descriptor from raw YAML bytes. source is used only for
// error and warning context.
func Parse(source string, data []byte, logger *slog.Logger) (*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// First pass into a node tree so unknown keys can be reported without
	// failing the decode.
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &Error{File: source, Message: err.Error()}
	}
	warnUnknownKeys(source, &root, logger)

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &Error{File: source, Message: err.Error()}
	}
	m.Source = source
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads and decodes one descriptor file.
func ParseFile(path string, logger *slog.Logger) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{File: path, Message: err.Error()}
	}
	return Parse(path, data, logger)
}

// ScanDir walks dir for module descriptors (module.yaml in each immediate
// subdirectory) and returns them keyed by module name, plus the names in
// directory order for deterministic downstream resolution.
func ScanDir(dir string, logger *slog.Logger) (map[string]*Manifest, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	manifests := make(map[string]*Manifest)
	var order []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "module.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := ParseFile(path, logger)
		if err != nil {
			return nil, nil, err
		}
		if prev, dup := manifests[m.Name]; dup {
			return nil, nil, &Error{File: path, Field: "name", Message: "duplicate of " + prev.Source}
		}
		// Artifact paths are relative to the descriptor.
		if !filepath.IsAbs(m.Artifact.Path) {
			m.Artifact.Path = filepath.Join(dir, e.Name(), m.Artifact.Path)
		}
		manifests[m.Name] = m
		order = append(order, m.Name)
	}
	return manifests, order, nil
}

func warnUnknownKeys(source string, root *yaml.Node, logger *slog.Logger) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !knownKeys[key] {
			logger.Warn("ignoring unknown manifest key",
				"file", source, "key", key, "line", doc.Content[i].Line)
		}
	}
}
