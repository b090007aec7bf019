// Package plan defines the contract cachebay consumes from the query
// compiler: a tree of fields with pre-bound argument builders, signature and
// vars-key functions, and connection metadata. The compiler itself lives
// outside this module; NewPlan/NewField default the function hooks from
// static metadata for hosts (and tests) that assemble plans by hand.
package plan

import (
	"sort"
	"strings"
)

// Operation kinds.
const (
	OperationQuery        = "query"
	OperationMutation     = "mutation"
	OperationSubscription = "subscription"
)

// Connection modes. Infinite splices pages into one canonical list; page
// replaces the canonical wholesale on every write.
const (
	ConnectionModeInfinite = "infinite"
	ConnectionModePage     = "page"
)

// paginationArgs are excluded from connection filter identity and from
// canonical variable projection.
var paginationArgs = map[string]struct{}{
	"first":  {},
	"last":   {},
	"after":  {},
	"before": {},
	"offset": {},
	"limit":  {},
	"page":   {},
	"cursor": {},
}

// IsPaginationArg reports whether name is a pagination argument.
func IsPaginationArg(name string) bool {
	_, ok := paginationArgs[name]
	return ok
}

// Arg is a static argument binding: either a literal value or a reference to
// an operation variable.
type Arg struct {
	Literal any
	Var     string
}

// Lit binds a literal argument value.
func Lit(v any) Arg { return Arg{Literal: v} }

// Var binds an argument to an operation variable.
func Var(name string) Arg { return Arg{Var: name} }

// Field is one selection in a plan.
type Field struct {
	// Name is the schema field name.
	Name string
	// Alias is the response key when it differs from Name.
	Alias string
	// Arguments statically describes the field arguments; BuildArgs is
	// derived from it unless the compiler supplies its own.
	Arguments map[string]Arg
	// Selection maps response keys to child fields. Nil for scalar leaves.
	Selection map[string]*Field
	// TypeCondition restricts the field to a concrete type or interface.
	TypeCondition string

	IsConnection      bool
	ConnectionKey     string
	ConnectionFilters []string
	ConnectionMode    string

	// BuildArgs resolves the concrete arguments for a set of variables.
	BuildArgs func(vars map[string]any) map[string]any
	// StringifyArgs renders BuildArgs output as canonical JSON.
	StringifyArgs func(vars map[string]any) string
}

// NewField builds a Field and defaults the function hooks.
func NewField(f Field) *Field {
	out := f
	if out.BuildArgs == nil {
		args := out.Arguments
		out.BuildArgs = func(vars map[string]any) map[string]any {
			if len(args) == 0 {
				return nil
			}
			built := make(map[string]any, len(args))
			for name, arg := range args {
				if arg.Var != "" {
					if v, ok := vars[arg.Var]; ok {
						built[name] = v
					}
					continue
				}
				built[name] = arg.Literal
			}
			return built
		}
	}
	if out.StringifyArgs == nil {
		build := out.BuildArgs
		out.StringifyArgs = func(vars map[string]any) string {
			return StableArgs(build(vars))
		}
	}
	if out.IsConnection {
		if out.ConnectionKey == "" {
			out.ConnectionKey = out.Name
		}
		if out.ConnectionMode == "" {
			out.ConnectionMode = ConnectionModeInfinite
		}
	}
	return &out
}

// ResponseKey is the key this field occupies in a response tree.
func (f *Field) ResponseKey() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// Key is the storage field key under the parent record: the field name, with
// the canonical argument string appended when the field takes arguments.
func (f *Field) Key(vars map[string]any) string {
	if f.Arguments == nil && f.BuildArgs == nil {
		return f.Name
	}
	args := f.StringifyArgs(vars)
	if f.Arguments == nil && args == "" {
		return f.Name
	}
	return f.Name + "(" + args + ")"
}

// FilterArgs projects the field's arguments down to connection filters:
// either the explicit ConnectionFilters list, or everything that is not a
// pagination argument.
func (f *Field) FilterArgs(vars map[string]any) map[string]any {
	built := f.BuildArgs(vars)
	if len(built) == 0 {
		return nil
	}
	out := make(map[string]any)
	if f.ConnectionFilters != nil {
		for _, name := range f.ConnectionFilters {
			if v, ok := built[name]; ok {
				out[name] = v
			}
		}
		return out
	}
	for name, v := range built {
		if IsPaginationArg(name) {
			continue
		}
		out[name] = v
	}
	return out
}

// PaginationArgs returns only the pagination arguments for a variable set.
func (f *Field) PaginationArgs(vars map[string]any) map[string]any {
	built := f.BuildArgs(vars)
	out := make(map[string]any)
	for name, v := range built {
		if IsPaginationArg(name) {
			out[name] = v
		}
	}
	return out
}

// Plan is a compiled operation.
type Plan struct {
	Operation string
	// Name is the operation name; it scopes mutation/subscription roots.
	Name string
	// Root holds the top-level fields in selection order.
	Root []*Field

	// Signature, VarsKey and Dependencies may be supplied by the compiler.
	// Without them, signatures and vars keys derive from the field tree and
	// GetDependencies returns nil.
	Signature    func(canonical bool, vars map[string]any) string
	VarsKey      func(canonical bool, vars map[string]any) string
	Dependencies func(canonical bool, vars map[string]any) []string
}

// NewPlan defaults the plan hooks.
func NewPlan(p Plan) *Plan {
	out := p
	if out.Operation == "" {
		out.Operation = OperationQuery
	}
	return &out
}

// RootID is the synthetic root record id for this operation.
func (p *Plan) RootID() string {
	switch p.Operation {
	case OperationMutation:
		return "@mutation." + p.Name
	case OperationSubscription:
		return "@subscription." + p.Name
	default:
		return "@"
	}
}

// MakeVarsKey renders a deterministic key for a variable set. Strict keys
// include every argument; canonical keys exclude pagination arguments so all
// pages of one connection share a key.
func (p *Plan) MakeVarsKey(canonical bool, vars map[string]any) string {
	if p.VarsKey != nil {
		return p.VarsKey(canonical, vars)
	}
	var parts []string
	var walk func(prefix string, fields []*Field)
	walk = func(prefix string, fields []*Field) {
		for _, f := range sortedFields(fields) {
			path := prefix + f.ResponseKey()
			args := f.BuildArgs(vars)
			if canonical && f.IsConnection {
				args = f.FilterArgs(vars)
			}
			if len(args) > 0 {
				parts = append(parts, path+"("+StableArgs(args)+")")
			}
			if f.Selection != nil {
				walk(path+".", childList(f))
			}
		}
	}
	walk("", p.Root)
	if len(parts) == 0 {
		return "{}"
	}
	return strings.Join(parts, "|")
}

// MakeSignature identifies a (plan, variables, mode) tuple for network
// fan-out and cache scoping.
func (p *Plan) MakeSignature(canonical bool, vars map[string]any) string {
	if p.Signature != nil {
		return p.Signature(canonical, vars)
	}
	mode := "strict"
	if canonical {
		mode = "canonical"
	}
	name := p.Name
	if name == "" {
		name = p.Operation
	}
	return name + "#" + mode + "#" + p.MakeVarsKey(canonical, vars)
}

// GetDependencies returns the compiler's precomputed dependency closure when
// present. Materialization computes exact dependency sets at read time; this
// hook only serves warm-up paths.
func (p *Plan) GetDependencies(canonical bool, vars map[string]any) []string {
	if p.Dependencies != nil {
		return p.Dependencies(canonical, vars)
	}
	return nil
}

func sortedFields(fields []*Field) []*Field {
	out := make([]*Field, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ResponseKey() < out[j].ResponseKey()
	})
	return out
}

func childList(f *Field) []*Field {
	out := make([]*Field, 0, len(f.Selection))
	for _, child := range f.Selection {
		out = append(out, child)
	}
	return out
}

// Fields builds a selection map from a list of fields, keyed by response key.
func Fields(fields ...*Field) map[string]*Field {
	out := make(map[string]*Field, len(fields))
	for _, f := range fields {
		out[f.ResponseKey()] = f
	}
	return out
}
