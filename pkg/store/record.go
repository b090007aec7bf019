package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Ref is a single link to another record.
// It serializes as {"__ref": "<recordId>"} so snapshots stay portable JSON.
type Ref struct {
	ID string
}

// RefList is an ordered list of links to other records.
// It serializes as {"__refs": ["<recordId>", ...]}.
type RefList []string

// Record is a flat, unordered field map stored under a recordId. Values are
// scalars (arbitrary JSON), Ref, RefList, or inline maps.
type Record map[string]any

type refJSON struct {
	Ref string `json:"__ref"`
}

type refListJSON struct {
	Refs []string `json:"__refs"`
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(refJSON{Ref: r.ID})
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	var v refJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.ID = v.Ref
	return nil
}

func (r RefList) MarshalJSON() ([]byte, error) {
	refs := []string(r)
	if refs == nil {
		refs = []string{}
	}
	return json.Marshal(refListJSON{Refs: refs})
}

func (r *RefList) UnmarshalJSON(b []byte) error {
	var v refListJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = v.Refs
	return nil
}

// AsRef returns the Ref held in v, if any.
func AsRef(v any) (Ref, bool) {
	ref, ok := v.(Ref)
	return ref, ok
}

// AsRefList returns the RefList held in v, if any.
func AsRefList(v any) (RefList, bool) {
	refs, ok := v.(RefList)
	return refs, ok
}

// IsLink reports whether v is a Ref or a RefList.
func IsLink(v any) bool {
	switch v.(type) {
	case Ref, RefList:
		return true
	}
	return false
}

// Clone returns a deep copy of the record. Link values are value types and
// copy naturally; inline maps and slices are copied recursively.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Record:
		return tv.Clone()
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case RefList:
		out := make(RefList, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two records.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]any(r), map[string]any(other))
}

// normalizeID coerces the special "id" field to a string or nil.
func normalizeID(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		return tv
	case float64:
		return formatNumericID(tv)
	case int:
		return fmt.Sprintf("%d", tv)
	case int64:
		return fmt.Sprintf("%d", tv)
	case json.Number:
		return tv.String()
	case bool:
		return fmt.Sprintf("%t", tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func formatNumericID(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", f)
}

// Revive converts generic decoded JSON into record value types, turning
// {"__ref":…} and {"__refs":[…]} maps back into links. Used on hydrate.
func Revive(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		if len(tv) == 1 {
			if id, ok := tv["__ref"].(string); ok {
				return Ref{ID: id}
			}
			if raw, ok := tv["__refs"].([]any); ok {
				refs := make(RefList, 0, len(raw))
				valid := true
				for _, item := range raw {
					id, ok := item.(string)
					if !ok {
						valid = false
						break
					}
					refs = append(refs, id)
				}
				if valid {
					return refs
				}
			}
		}
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = Revive(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = Revive(item)
		}
		return out
	default:
		return v
	}
}

// ReviveRecord revives every field of a decoded record.
func ReviveRecord(fields map[string]any) Record {
	out := make(Record, len(fields))
	for k, v := range fields {
		out[k] = Revive(v)
	}
	return out
}
