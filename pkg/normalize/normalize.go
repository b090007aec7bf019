// Package normalize flattens hierarchical responses into store records,
// guided by a compiled plan.
package normalize

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Normalizer writes response trees into the store and collects connection
// pages for the canonical merge post-pass.
type Normalizer struct {
	store  *store.Store
	ident  *identity.Registry
	canon  *canonical.Canonical
	logger *zap.Logger
}

// New builds a Normalizer.
func New(s *store.Store, ident *identity.Registry, canon *canonical.Canonical, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{store: s, ident: ident, canon: canon, logger: logger}
}

// Result reports what a normalization produced.
type Result struct {
	// Pages lists the connection pages merged into canonicals.
	Pages []canonical.Page
}

// PageKey derives the synthetic page record id for a connection field.
func PageKey(parentID string, field *plan.Field, vars map[string]any) string {
	base := "@."
	if parentID != "" && parentID != store.RootID {
		base += parentID + "."
	}
	return base + field.Name + "(" + field.StringifyArgs(vars) + ")"
}

// frame is one unit of traversal: an object value written under parentID
// through a selection map.
type frame struct {
	parentID string
	fields   map[string]*plan.Field
	value    map[string]any
}

// Normalize walks data guided by p and writes records. rootID overrides the
// plan root for fragment writes; pass "" for operation responses. Connection
// pages are merged into their canonicals after the walk.
func (n *Normalizer) Normalize(p *plan.Plan, vars map[string]any, data map[string]any, rootID string) Result {
	if rootID == "" {
		rootID = p.RootID()
	}
	var res Result
	stack := []frame{{parentID: rootID, fields: selectionOf(p.Root), value: data}}

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = n.walkObject(fr, vars, &res, stack)
	}

	for _, page := range res.Pages {
		n.canon.UpdateConnection(page)
	}
	return res
}

func selectionOf(fields []*plan.Field) map[string]*plan.Field {
	out := make(map[string]*plan.Field, len(fields))
	for _, f := range fields {
		out[f.ResponseKey()] = f
	}
	return out
}

func (n *Normalizer) walkObject(fr frame, vars map[string]any, res *Result, stack []frame) []frame {
	if tn, ok := fr.value["__typename"].(string); ok {
		n.store.Put(fr.parentID, store.Record{"__typename": tn})
	}
	for respKey, field := range fr.fields {
		raw, present := fr.value[respKey]
		if !present {
			continue
		}
		fieldKey := field.Key(vars)

		switch value := raw.(type) {
		case nil:
			// Explicit null is distinguished from missing.
			n.store.Put(fr.parentID, store.Record{fieldKey: nil})

		case map[string]any:
			switch {
			case field.IsConnection && field.Selection != nil:
				stack = n.walkConnection(fr.parentID, field, fieldKey, value, vars, res, stack)
			case field.Selection == nil:
				// Opaque scalar object; stored as-is.
				n.store.Put(fr.parentID, store.Record{fieldKey: value})
			default:
				stack = n.walkSingle(fr.parentID, field, fieldKey, value, stack)
			}

		case []any:
			if field.Selection == nil {
				n.store.Put(fr.parentID, store.Record{fieldKey: value})
				break
			}
			stack = n.walkList(fr.parentID, field, fieldKey, value, stack)

		default:
			n.store.Put(fr.parentID, store.Record{fieldKey: value})
		}
	}
	return stack
}

// walkSingle handles an object-valued field: an identified entity links by
// ref; anything else becomes an inline container under a synthetic path id.
func (n *Normalizer) walkSingle(parentID string, field *plan.Field, fieldKey string, value map[string]any, stack []frame) []frame {
	if id := n.ident.Identify(value); id != "" {
		n.store.Put(parentID, store.Record{fieldKey: store.Ref{ID: id}})
		return append(stack, frame{parentID: id, fields: field.Selection, value: value})
	}
	inlineID := parentID + "." + fieldKey
	n.store.Put(parentID, store.Record{fieldKey: store.Ref{ID: inlineID}})
	return append(stack, frame{parentID: inlineID, fields: field.Selection, value: value})
}

// walkList handles arrays of selectable objects outside connections. Items
// re-link by identity when they have one (index-stable synthetic ids
// otherwise); null items keep their slot as an empty ref.
func (n *Normalizer) walkList(parentID string, field *plan.Field, fieldKey string, items []any, stack []frame) []frame {
	refs := make(store.RefList, 0, len(items))
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok || item == nil {
			refs = append(refs, "")
			continue
		}
		id := n.ident.Identify(item)
		if id == "" {
			id = parentID + "." + fieldKey + "." + strconv.Itoa(i)
		}
		refs = append(refs, id)
		stack = append(stack, frame{parentID: id, fields: field.Selection, value: item})
	}
	n.store.Put(parentID, store.Record{fieldKey: refs})
	return stack
}

// walkConnection writes the page record, its pageInfo and edges, links the
// parent, and queues the page for the canonical post-pass.
func (n *Normalizer) walkConnection(parentID string, field *plan.Field, fieldKey string, value map[string]any, vars map[string]any, res *Result, stack []frame) []frame {
	pageKey := PageKey(parentID, field, vars)
	patch := store.Record{}
	if tn, ok := value["__typename"].(string); ok {
		patch["__typename"] = tn
	}

	for respKey, child := range field.Selection {
		raw, present := value[respKey]
		if !present {
			continue
		}
		switch child.Name {
		case "edges":
			items, ok := raw.([]any)
			if !ok {
				continue
			}
			patch["edges"] = n.walkEdges(pageKey, child, items, &stack)
		case "pageInfo":
			info, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			patch["pageInfo"] = store.Ref{ID: pageKey + canonical.PageInfoSuffix}
			stack = append(stack, frame{parentID: pageKey + canonical.PageInfoSuffix, fields: child.Selection, value: info})
		default:
			// Non-edge extras (totalCount and friends) ride on the page.
			childKey := child.Key(vars)
			switch tv := raw.(type) {
			case map[string]any:
				if child.Selection == nil {
					patch[childKey] = tv
					continue
				}
				stack = n.walkSingle(pageKey, child, childKey, tv, stack)
			default:
				patch[childKey] = raw
			}
		}
	}

	n.store.Put(pageKey, patch)
	n.store.Put(parentID, store.Record{fieldKey: store.Ref{ID: pageKey}})
	res.Pages = append(res.Pages, canonical.Page{
		Field:     field,
		ParentID:  parentID,
		Variables: vars,
		PageKey:   pageKey,
	})
	return stack
}

// walkEdges synthesizes path-stable edge records under the page.
func (n *Normalizer) walkEdges(pageKey string, edgesField *plan.Field, items []any, stack *[]frame) store.RefList {
	refs := make(store.RefList, 0, len(items))
	for i, raw := range items {
		edgeID := pageKey + ".edges." + strconv.Itoa(i)
		refs = append(refs, edgeID)
		edge, ok := raw.(map[string]any)
		if !ok || edge == nil {
			continue
		}
		patch := store.Record{}
		if tn, ok := edge["__typename"].(string); ok {
			patch["__typename"] = tn
		}
		for respKey, child := range edgesField.Selection {
			raw, present := edge[respKey]
			if !present {
				continue
			}
			if child.Name == "node" {
				node, ok := raw.(map[string]any)
				if !ok {
					if raw == nil {
						patch["node"] = nil
					}
					continue
				}
				if id := n.ident.Identify(node); id != "" {
					patch["node"] = store.Ref{ID: id}
					*stack = append(*stack, frame{parentID: id, fields: child.Selection, value: node})
				} else {
					inlineID := edgeID + ".node"
					patch["node"] = store.Ref{ID: inlineID}
					*stack = append(*stack, frame{parentID: inlineID, fields: child.Selection, value: node})
				}
				continue
			}
			patch[child.Key(nil)] = raw
		}
		n.store.Put(edgeID, patch)
	}
	return refs
}
