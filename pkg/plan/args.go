package plan

import (
	"encoding/json"
)

// StableArgs renders arguments as canonical JSON: object keys sorted
// ascending at every depth, no insignificant whitespace, and an empty or nil
// argument set collapsing to the empty string.
func StableArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(sortValue(args))
	if err != nil {
		return ""
	}
	return string(b)
}

// sortValue normalizes maps so json.Marshal emits keys in ascending order.
// encoding/json already sorts map[string]any keys; this pass only rewrites
// nested container types into plain maps/slices so that guarantee applies
// uniformly.
func sortValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = sortValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = sortValue(item)
		}
		return out
	default:
		return v
	}
}
