// Package materialize reconstructs response trees from the store, guided by
// a plan, producing parallel fingerprint trees and exact dependency sets.
package materialize

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/normalize"
	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Source reports which view satisfied a read.
type Source string

const (
	SourceCanonical Source = "canonical"
	SourceStrict    Source = "strict"
	SourceNone      Source = "none"
)

// Miss kinds.
const (
	MissEntity     = "entity-missing"
	MissRootLink   = "root-link-missing"
	MissFieldLink  = "field-link-missing"
	MissConnection = "connection-missing"
	MissPageInfo   = "pageinfo-missing"
	MissEdgeNode   = "edge-node-missing"
	MissScalar     = "scalar-missing"
)

// Miss locates one unsatisfied piece of a materialization. For
// connection-missing misses the two presence flags report whether the
// canonical record and the strict page record existed at walk time.
type Miss struct {
	Kind string
	At   string

	CanonicalPresent bool
	StrictPresent    bool
}

// structural reports whether a miss kind fails the read outright; scalar
// misses degrade to partial results instead.
func structural(kind string) bool {
	return kind != MissScalar
}

// Request describes one materialization.
type Request struct {
	Plan      *plan.Plan
	Variables map[string]any
	// Canonical selects the canonical connection view; strict reads the
	// exact page records instead.
	Canonical bool
	// RootID overrides the plan root for fragment reads.
	RootID string
	// Fingerprint enables the parallel fingerprint tree.
	Fingerprint bool
	PreferCache bool
	UpdateCache bool
}

// Result is a materialized read.
type Result struct {
	Data         map[string]any
	Fingerprints *FPNode
	Dependencies map[string]struct{}
	Source       Source
	OK           bool
	Misses       []Miss
	Hot          bool
}

// Materializer walks plans over the store. Results are cached per plan,
// keyed by mode, fingerprint flag, root and variables.
type Materializer struct {
	store  *store.Store
	ident  *identity.Registry
	logger *zap.Logger

	mu    sync.Mutex
	cache map[*plan.Plan]map[string]*Result
}

// New builds a Materializer.
func New(s *store.Store, ident *identity.Registry, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		store:  s,
		ident:  ident,
		logger: logger,
		cache:  make(map[*plan.Plan]map[string]*Result),
	}
}

func cacheKey(req Request) string {
	mode := "strict"
	if req.Canonical {
		mode = "canonical"
	}
	fp := "0"
	if req.Fingerprint {
		fp = "1"
	}
	key := mode + "|" + fp + "|"
	if req.RootID != "" {
		key += req.RootID + "|"
	}
	return key + req.Plan.MakeVarsKey(req.Canonical, req.Variables)
}

// Materialize runs one read.
func (m *Materializer) Materialize(req Request) *Result {
	key := cacheKey(req)
	if req.PreferCache {
		m.mu.Lock()
		if byKey, ok := m.cache[req.Plan]; ok {
			if cached, ok := byKey[key]; ok {
				cached.Hot = true
				m.mu.Unlock()
				return cached
			}
		}
		m.mu.Unlock()
	}

	w := &walker{m: m, req: req, deps: make(map[string]struct{})}
	res := w.run()

	if req.UpdateCache && res.OK {
		m.mu.Lock()
		byKey, ok := m.cache[req.Plan]
		if !ok {
			byKey = make(map[string]*Result)
			m.cache[req.Plan] = byKey
		}
		byKey[key] = res
		m.mu.Unlock()
	}
	return res
}

// Invalidate drops the cached result for one request shape.
func (m *Materializer) Invalidate(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byKey, ok := m.cache[req.Plan]; ok {
		delete(byKey, cacheKey(req))
		if len(byKey) == 0 {
			delete(m.cache, req.Plan)
		}
	}
}

// InvalidateAll clears the whole result cache.
func (m *Materializer) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[*plan.Plan]map[string]*Result)
}

type walker struct {
	m      *Materializer
	req    Request
	deps   map[string]struct{}
	misses []Miss
}

func (w *walker) touch(recordID string) {
	w.deps[recordID] = struct{}{}
}

func (w *walker) miss(kind, at string) {
	w.misses = append(w.misses, Miss{Kind: kind, At: at})
}

func (w *walker) run() *Result {
	rootID := w.req.RootID
	fragment := rootID != ""
	if rootID == "" {
		rootID = w.req.Plan.RootID()
	}
	w.touch(rootID)
	rec, ok := w.m.store.Get(rootID)
	if !ok {
		w.miss(MissRootLink, rootID)
		return w.finish(nil, nil)
	}

	data := make(map[string]any)
	fields := make(map[string]*FPNode)
	var ordered []uint32
	for _, f := range sortedSelection(selectionMap(w.req.Plan.Root)) {
		if fragment {
			// Type conditions on fragment roots check the stored typename.
			if !w.applies(f, rec) {
				continue
			}
		}
		value, fp, ok := w.field(rootID, rec, f, !fragment)
		if !ok {
			continue
		}
		data[f.ResponseKey()] = value
		if fp != nil {
			fields[f.ResponseKey()] = fp
			ordered = append(ordered, fp.FP)
		} else {
			ordered = append(ordered, 0)
		}
	}

	var root *FPNode
	if w.req.Fingerprint {
		// A fragment root is an entity, so its version feeds the mix; the
		// synthetic operation root mixes from zero.
		var rootVersion uint64
		if fragment {
			rootVersion = w.m.store.Version(rootID)
		}
		root = &FPNode{FP: fingerprintNodes(rootVersion, ordered), Fields: fields}
	}
	return w.finish(data, root)
}

func (w *walker) finish(data map[string]any, fps *FPNode) *Result {
	source := SourceStrict
	if w.req.Canonical {
		source = SourceCanonical
	}
	ok := true
	for _, miss := range w.misses {
		if structural(miss.Kind) {
			ok = false
			break
		}
	}
	if !ok || data == nil {
		source = SourceNone
	}
	if len(w.misses) > 0 {
		w.m.logger.Debug("materialize misses", zap.Int("count", len(w.misses)))
	}
	return &Result{
		Data:         data,
		Fingerprints: fps,
		Dependencies: w.deps,
		Source:       source,
		OK:           ok && data != nil,
		Misses:       w.misses,
	}
}

// field materializes one selection field from a parent record. The returned
// FPNode is nil for scalar leaves (the parent's version covers them). atRoot
// adds the "@.<fieldKey>" dependency sentinel for root links.
func (w *walker) field(parentID string, parent store.Record, f *plan.Field, atRoot bool) (any, *FPNode, bool) {
	fieldKey := f.Key(w.req.Variables)
	if atRoot {
		w.touch(store.RootID + "." + fieldKey)
	}

	if f.IsConnection && f.Selection != nil {
		return w.connection(parentID, f)
	}

	if f.Name == "__typename" {
		if tn, ok := parent["__typename"]; ok {
			return tn, nil, true
		}
		w.miss(MissScalar, parentID+"."+fieldKey)
		return nil, nil, false
	}

	raw, present := parent[fieldKey]
	if !present {
		if f.Selection == nil {
			w.miss(MissScalar, parentID+"."+fieldKey)
		} else if atRoot {
			w.miss(MissRootLink, parentID+"."+fieldKey)
		} else {
			w.miss(MissFieldLink, parentID+"."+fieldKey)
		}
		return nil, nil, false
	}
	if raw == nil {
		// Explicit null is a valid absence.
		return nil, nil, true
	}

	if f.Selection == nil {
		return raw, nil, true
	}

	switch tv := raw.(type) {
	case store.Ref:
		return w.entity(tv.ID, f)
	case store.RefList:
		return w.refList(tv, f)
	default:
		// A selection over a non-link value; copy through defensively.
		return raw, nil, true
	}
}

// entity materializes a linked record through a selection.
func (w *walker) entity(recordID string, f *plan.Field) (any, *FPNode, bool) {
	w.touch(recordID)
	rec, ok := w.m.store.Get(recordID)
	if !ok {
		w.miss(MissEntity, recordID)
		return nil, nil, false
	}
	if !w.applies(f, rec) {
		return nil, nil, false
	}
	return w.object(recordID, rec, f.Selection)
}

// object walks a record through a selection map.
func (w *walker) object(recordID string, rec store.Record, selection map[string]*plan.Field) (any, *FPNode, bool) {
	data := make(map[string]any)
	fields := make(map[string]*FPNode)
	var ordered []uint32
	for _, child := range sortedSelection(selection) {
		if !w.applies(child, rec) {
			continue
		}
		value, fp, ok := w.field(recordID, rec, child, false)
		if !ok {
			continue
		}
		data[child.ResponseKey()] = value
		if fp != nil {
			fields[child.ResponseKey()] = fp
			ordered = append(ordered, fp.FP)
		} else {
			ordered = append(ordered, 0)
		}
	}
	var node *FPNode
	if w.req.Fingerprint {
		node = &FPNode{FP: fingerprintNodes(w.m.store.Version(recordID), ordered), Fields: fields}
	}
	return data, node, true
}

// refList materializes an ordered link list. Empty ids are null slots.
func (w *walker) refList(refs store.RefList, f *plan.Field) (any, *FPNode, bool) {
	items := make([]any, 0, len(refs))
	var nodes []*FPNode
	var ordered []uint32
	for _, id := range refs {
		if id == "" {
			items = append(items, nil)
			nodes = append(nodes, nil)
			ordered = append(ordered, 0)
			continue
		}
		value, fp, ok := w.entity(id, f)
		if !ok {
			continue
		}
		items = append(items, value)
		nodes = append(nodes, fp)
		if fp != nil {
			ordered = append(ordered, fp.FP)
		} else {
			ordered = append(ordered, 0)
		}
	}
	var node *FPNode
	if w.req.Fingerprint {
		node = &FPNode{FP: fingerprintNodes(0, ordered), Items: nodes}
	}
	return items, node, true
}

// connection materializes a connection field from the canonical record
// (canonical mode) or the exact page record (strict mode).
func (w *walker) connection(parentID string, f *plan.Field) (any, *FPNode, bool) {
	pageKey := normalize.PageKey(parentID, f, w.req.Variables)
	ck := canonical.Key(parentID, f.ConnectionKey, f.FilterArgs(w.req.Variables))

	connID := pageKey
	if w.req.Canonical {
		connID = ck
	}
	w.touch(connID)
	rec, ok := w.m.store.Get(connID)
	if !ok {
		// Record both views' presence so callers can tell a never-fetched
		// connection from a wrong-mode read.
		_, ckPresent := w.m.store.Get(ck)
		_, pkPresent := w.m.store.Get(pageKey)
		w.misses = append(w.misses, Miss{
			Kind:             MissConnection,
			At:               connID,
			CanonicalPresent: ckPresent,
			StrictPresent:    pkPresent,
		})
		return nil, nil, false
	}

	data := make(map[string]any)
	fields := make(map[string]*FPNode)
	var ordered []uint32
	for _, child := range sortedSelection(f.Selection) {
		switch child.Name {
		case "edges":
			refs, _ := store.AsRefList(rec["edges"])
			value, fp := w.edges(refs, child)
			data[child.ResponseKey()] = value
			if fp != nil {
				fields[child.ResponseKey()] = fp
				ordered = append(ordered, fp.FP)
			} else {
				ordered = append(ordered, 0)
			}
		case "pageInfo":
			ref, ok := store.AsRef(rec["pageInfo"])
			if !ok {
				w.miss(MissPageInfo, connID+".pageInfo")
				continue
			}
			w.touch(ref.ID)
			info, ok := w.m.store.Get(ref.ID)
			if !ok {
				w.miss(MissPageInfo, ref.ID)
				continue
			}
			value, fp, ok := w.object(ref.ID, info, child.Selection)
			if !ok {
				continue
			}
			data[child.ResponseKey()] = value
			if fp != nil {
				fields[child.ResponseKey()] = fp
				ordered = append(ordered, fp.FP)
			} else {
				ordered = append(ordered, 0)
			}
		default:
			value, fp, ok := w.field(connID, rec, child, false)
			if !ok {
				continue
			}
			data[child.ResponseKey()] = value
			if fp != nil {
				fields[child.ResponseKey()] = fp
				ordered = append(ordered, fp.FP)
			} else {
				ordered = append(ordered, 0)
			}
		}
	}
	var node *FPNode
	if w.req.Fingerprint {
		node = &FPNode{FP: fingerprintNodes(w.m.store.Version(connID), ordered), Fields: fields}
	}
	return data, node, true
}

// edges materializes the edge list of a connection.
func (w *walker) edges(refs store.RefList, edgesField *plan.Field) (any, *FPNode) {
	items := make([]any, 0, len(refs))
	var nodes []*FPNode
	var ordered []uint32
	for _, edgeID := range refs {
		value, fp, ok := w.edge(edgeID, edgesField)
		if !ok {
			continue
		}
		items = append(items, value)
		nodes = append(nodes, fp)
		if fp != nil {
			ordered = append(ordered, fp.FP)
		} else {
			ordered = append(ordered, 0)
		}
	}
	if !w.req.Fingerprint {
		return items, nil
	}
	return items, &FPNode{FP: fingerprintNodes(0, ordered), Items: nodes}
}

// edge materializes one edge record: typename, scalars and the node entity.
func (w *walker) edge(edgeID string, edgesField *plan.Field) (any, *FPNode, bool) {
	w.touch(edgeID)
	rec, ok := w.m.store.Get(edgeID)
	if !ok {
		w.miss(MissEntity, edgeID)
		return nil, nil, false
	}

	data := make(map[string]any)
	fields := make(map[string]*FPNode)
	var ordered []uint32
	for _, child := range sortedSelection(edgesField.Selection) {
		if child.Name == "node" {
			ref, ok := store.AsRef(rec["node"])
			if !ok {
				if v, present := rec["node"]; present && v == nil {
					data[child.ResponseKey()] = nil
					ordered = append(ordered, 0)
					continue
				}
				w.miss(MissEdgeNode, edgeID+".node")
				continue
			}
			value, fp, ok := w.entity(ref.ID, child)
			if !ok {
				continue
			}
			data[child.ResponseKey()] = value
			if fp != nil {
				fields[child.ResponseKey()] = fp
				ordered = append(ordered, fp.FP)
			} else {
				ordered = append(ordered, 0)
			}
			continue
		}
		value, fp, ok := w.field(edgeID, rec, child, false)
		if !ok {
			continue
		}
		data[child.ResponseKey()] = value
		if fp != nil {
			fields[child.ResponseKey()] = fp
			ordered = append(ordered, fp.FP)
		} else {
			ordered = append(ordered, 0)
		}
	}
	var node *FPNode
	if w.req.Fingerprint {
		node = &FPNode{FP: fingerprintNodes(w.m.store.Version(edgeID), ordered), Fields: fields}
	}
	return data, node, true
}

// applies checks a field's type condition against a record's typename using
// the interface registry.
func (w *walker) applies(f *plan.Field, rec store.Record) bool {
	if f.TypeCondition == "" {
		return true
	}
	tn, _ := rec["__typename"].(string)
	if tn == "" {
		return false
	}
	return w.m.ident.Satisfies(tn, f.TypeCondition)
}

func selectionMap(fields []*plan.Field) map[string]*plan.Field {
	out := make(map[string]*plan.Field, len(fields))
	for _, f := range fields {
		out[f.ResponseKey()] = f
	}
	return out
}

// sortedSelection yields a deterministic field order; fingerprints depend on
// it.
func sortedSelection(selection map[string]*plan.Field) []*plan.Field {
	keys := make([]string, 0, len(selection))
	for k := range selection {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*plan.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, selection[k])
	}
	return out
}
