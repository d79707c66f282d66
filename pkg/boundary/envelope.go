// Package boundary is the serialization layer between the host and sandboxed
// modules. One complete structured payload crosses the boundary per call:
// the fixed cost of a crossing dominates the marginal cost of a few extra
// fields, so granular per-field accessors are not offered.
//
// All JSON that crosses the boundary is in RFC 8785 canonical form, so a
// round trip through a module leaves untouched fields byte-identical.
package boundary

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Payload is the unit handed to an extension-point handler: the subject
// record plus call arguments. Record and Args are canonical JSON objects.
type Payload struct {
	Point  string          `json:"point"`
	Record json.RawMessage `json:"record,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Marshal encodes a payload in canonical form for the crossing.
func Marshal(p *Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("boundary: marshal: %w", err)
	}
	return jcs.Transform(raw)
}

// Unmarshal decodes bytes received from a module back into a payload.
func Unmarshal(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("boundary: unmarshal: %w", err)
	}
	return &p, nil
}

// Canonicalize returns the RFC 8785 form of any JSON document.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	return jcs.Transform(raw)
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("boundary: marshal: %w", err)
	}
	return jcs.Transform(raw)
}
