package eventlog

import (
	"encoding/json"
	"sort"
)

// Canonical renders v (expected to be a JSON-marshalable map or struct) as
// compact JSON with map keys sorted, matching the reference's
// json.dumps(obj, sort_keys=True, separators=(",", ":")) byte-for-byte so
// that events hashed in Go and in the original Python service agree.
func Canonical(v any) (string, error) {
	// Round-trip through the standard encoder first so struct field tags,
	// omitempty, and custom MarshalJSON methods are honored, then re-sort
	// any object keys the standard encoder already emits alphabetically
	// for map[string]any but not for struct-derived field order.
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", err
	}
	out, err := marshalSorted(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
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
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
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
