package boundary

import (
	"encoding/json"
	"fmt"
)

// ApplyDelta merges an implementor's delta into doc with RFC 7386 merge-patch
// semantics: absent keys are untouched, present keys replace, explicit nulls
// delete. The alter pipeline feeds each implementor's delta through here so a
// later implementor cannot silently discard an earlier one's change by
// returning a full replacement document.
//
// The result is canonical JSON.
func ApplyDelta(doc, delta []byte) ([]byte, error) {
	if len(delta) == 0 {
		return Canonicalize(doc)
	}

	var patch any
	if err := json.Unmarshal(delta, &patch); err != nil {
		return nil, fmt.Errorf("boundary: delta is not JSON: %w", err)
	}
	patchObj, ok := patch.(map[string]any)
	if !ok {
		// Non-object patch replaces the whole document per RFC 7386.
		return Canonicalize(delta)
	}

	var base any
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &base); err != nil {
			return nil, fmt.Errorf("boundary: document is not JSON: %w", err)
		}
	}
	baseObj, ok := base.(map[string]any)
	if !ok {
		baseObj = map[string]any{}
	}

	merged := mergePatch(baseObj, patchObj)
	return CanonicalizeValue(merged)
}

func mergePatch(target, patch map[string]any) map[string]any {
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := target[k].(map[string]any); ok {
				target[k] = mergePatch(cur, sub)
				continue
			}
			target[k] = mergePatch(map[string]any{}, sub)
			continue
		}
		target[k] = v
	}
	return target
}
