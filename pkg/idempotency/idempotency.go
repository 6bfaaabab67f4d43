// Package idempotency derives the key the executor uses to dedupe step
// execution across retries and crash-replay, and to key the step cache.
//
// Grounded on kernel/runtime/idempotency.py (original_source): a stable,
// sorted-key JSON encoding of the step's addressing fields hashed with
// SHA-256, truncated and prefixed "idem_".
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Key computes the implicit (hash_args) idempotency key for a step.
func Key(tenantID, runID, stepID, actionID string, args map[string]any) string {
	payload := map[string]any{
		"tenant_id": tenantID,
		"run_id":    runID,
		"step_id":   stepID,
		"action_id": actionID,
		"args":      args,
	}
	sum := sha256.Sum256([]byte(stableJSON(payload)))
	return "idem_" + hex.EncodeToString(sum[:])[:32]
}

// Explicit wraps a caller-supplied key in the same "idem_" namespace so
// explicit and hash_args keys never collide.
func Explicit(key string) string {
	return "idem_" + key
}

// stableJSON renders v as JSON with map keys sorted and no extraneous
// whitespace, matching Python's json.dumps(obj, sort_keys=True,
// separators=(",", ":")) byte-for-byte for the value shapes used here
// (strings, numbers, bools, nil, slices, and string-keyed maps).
func stableJSON(v any) string {
	b, _ := marshalSorted(v)
	return string(b)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
