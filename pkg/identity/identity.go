// Package identity derives stable record ids from typed values and resolves
// interface type conditions against their implementers.
package identity

import (
	"fmt"

	"go.uber.org/zap"
)

// Keyer returns a stable id for a value of one type name. An empty return
// means "no identity"; the caller falls back to a synthetic path id.
type Keyer func(value map[string]any) string

// Registry holds per-typename keyers and the interface→implementers map.
type Registry struct {
	keyers     map[string]Keyer
	interfaces map[string]map[string]struct{}
	// Identify keeps the concrete typename; interface names never appear
	// in record ids.
	logger *zap.Logger
}

var emptySet = map[string]struct{}{}

// Options configures a Registry.
type Options struct {
	// Keys maps type name → keyer.
	Keys map[string]Keyer
	// Interfaces maps interface name → implementer names.
	Interfaces map[string][]string
	Logger     *zap.Logger
}

// New builds a Registry.
func New(opts Options) *Registry {
	r := &Registry{
		keyers:     make(map[string]Keyer, len(opts.Keys)),
		interfaces: make(map[string]map[string]struct{}, len(opts.Interfaces)),
		logger:     opts.Logger,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	for name, fn := range opts.Keys {
		r.keyers[name] = fn
	}
	for iface, impls := range opts.Interfaces {
		set := make(map[string]struct{}, len(impls))
		for _, impl := range impls {
			set[impl] = struct{}{}
		}
		r.interfaces[iface] = set
	}
	return r
}

// Implementers returns the implementer set for an interface name, or an empty
// set. The returned map must not be modified.
func (r *Registry) Implementers(iface string) map[string]struct{} {
	if set, ok := r.interfaces[iface]; ok {
		return set
	}
	return emptySet
}

// Satisfies reports whether a concrete typename satisfies a type condition:
// either the names match, or the condition is an interface the typename
// implements.
func (r *Registry) Satisfies(typename, condition string) bool {
	if typename == condition {
		return true
	}
	_, ok := r.Implementers(condition)[typename]
	return ok
}

// Identify derives the record id for a typed value, or "" when the value has
// no identity. The value must carry a "__typename" tag.
func (r *Registry) Identify(value map[string]any) string {
	if value == nil {
		return ""
	}
	typename, _ := value["__typename"].(string)
	if typename == "" {
		return ""
	}
	id := r.keyFor(typename, value)
	if id == "" {
		return ""
	}
	return typename + ":" + id
}

func (r *Registry) keyFor(typename string, value map[string]any) string {
	if keyer, ok := r.keyers[typename]; ok {
		id := keyer(value)
		if id == "" {
			r.logger.Debug("configured keyer returned no identity",
				zap.String("typename", typename))
		}
		return id
	}
	// A keyer configured on an interface applies to its implementers.
	for iface, impls := range r.interfaces {
		if _, ok := impls[typename]; !ok {
			continue
		}
		if keyer, ok := r.keyers[iface]; ok {
			return keyer(value)
		}
	}
	raw, ok := value["id"]
	if !ok || raw == nil {
		return ""
	}
	return idString(raw)
}

func idString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%v", tv)
	case int:
		return fmt.Sprintf("%d", tv)
	case int64:
		return fmt.Sprintf("%d", tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
