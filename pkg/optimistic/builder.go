package optimistic

import (
	"strconv"
	"strings"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Tx is handed to builder functions. During apply it records ops on its
// layer; during commit it writes straight through.
type Tx struct {
	m         *Manager
	layer     *Layer
	phase     Phase
	data      any
	replaying bool
}

// Phase reports whether the builder runs optimistically or at commit.
func (t *Tx) Phase() Phase { return t.phase }

// Data returns the payload passed to Commit, if any.
func (t *Tx) Data() any { return t.data }

// capture snapshots a record's pre-layer state, first touch only.
func (t *Tx) capture(recordID string) {
	if t.layer == nil {
		return
	}
	if _, ok := t.layer.entityBase[recordID]; ok {
		return
	}
	base := &entityBaseline{}
	if rec, ok := t.m.store.Get(recordID); ok {
		base.existed = true
		base.fields = rec.Clone()
	}
	t.layer.entityBase[recordID] = base
	t.layer.touched[recordID] = struct{}{}
}

// resolveTarget accepts a record id or a typed value.
func (t *Tx) resolveTarget(target any) string {
	switch tv := target.(type) {
	case string:
		return tv
	case map[string]any:
		return t.m.ident.Identify(tv)
	}
	return ""
}

// Patch merges delta into the target record. delta is a map, or a function
// of the current record returning the map to merge. Replace mode overwrites
// the record wholesale. Unresolvable targets are ignored.
func (t *Tx) Patch(target any, delta any, mode ...string) {
	id := t.resolveTarget(target)
	if id == "" {
		return
	}
	op := &entityOp{kind: "write", target: id, mode: "merge"}
	if len(mode) > 0 && mode[0] == "replace" {
		op.mode = "replace"
	}
	switch tv := delta.(type) {
	case map[string]any:
		op.delta = store.Record(tv)
	case store.Record:
		op.delta = tv
	case func(current store.Record) store.Record:
		op.fn = tv
	default:
		return
	}
	if t.layer != nil && !t.replaying {
		t.layer.entityOps = append(t.layer.entityOps, op)
	}
	t.applyEntityOp(op)
}

// Delete removes the target record.
func (t *Tx) Delete(target any) {
	id := t.resolveTarget(target)
	if id == "" {
		return
	}
	op := &entityOp{kind: "delete", target: id}
	if t.layer != nil && !t.replaying {
		t.layer.entityOps = append(t.layer.entityOps, op)
	}
	t.applyEntityOp(op)
}

func (t *Tx) applyEntityOp(op *entityOp) {
	t.capture(op.target)
	switch op.kind {
	case "delete":
		t.m.store.Remove(op.target)
	default:
		delta := op.delta
		if op.fn != nil {
			current, _ := t.m.store.Get(op.target)
			delta = op.fn(current.Clone())
		}
		if delta == nil {
			return
		}
		if op.mode == "replace" {
			t.m.store.Replace(op.target, delta)
		} else {
			t.m.store.Put(op.target, delta)
		}
	}
}

// ConnectionRef selects a canonical connection by parent, key and filters.
type ConnectionRef struct {
	// Parent is "" or "@" for root, an entity id, or a typed value.
	Parent  any
	Key     string
	Filters map[string]any
}

// ConnectionTx scopes ops to one canonical connection.
type ConnectionTx struct {
	tx *Tx
	ck string
}

// Connection resolves a connection selector: a ConnectionRef, or a canonical
// key string.
func (t *Tx) Connection(sel any) *ConnectionTx {
	switch tv := sel.(type) {
	case string:
		return &ConnectionTx{tx: t, ck: tv}
	case ConnectionRef:
		parentID := store.RootID
		switch p := tv.Parent.(type) {
		case nil:
		case string:
			if p != "" {
				parentID = p
			}
		case map[string]any:
			if id := t.m.ident.Identify(p); id != "" {
				parentID = id
			}
		}
		return &ConnectionTx{tx: t, ck: canonical.Key(parentID, tv.Key, tv.Filters)}
	}
	return &ConnectionTx{tx: t}
}

// Key returns the canonical record id this transaction targets.
func (c *ConnectionTx) Key() string { return c.ck }

// AddNodeOptions positions an added node.
type AddNodeOptions struct {
	// Position is "start", "end" (default), "before" or "after".
	Position string
	// Anchor locates the reference node for before/after, by id or value.
	Anchor any
	// Edge carries edge scalars; a "cursor" entry feeds the cursor index
	// instead of the edge record.
	Edge map[string]any
}

// AddNode inserts node into the connection, deduplicating by node identity.
func (c *ConnectionTx) AddNode(node map[string]any, opts ...AddNodeOptions) {
	if c.ck == "" || node == nil {
		return
	}
	var o AddNodeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	op := &connOp{
		kind:     "add",
		ck:       c.ck,
		node:     node,
		position: o.Position,
		anchorID: c.tx.resolveTarget(o.Anchor),
	}
	if o.Edge != nil {
		op.edgeScalars = make(map[string]any, len(o.Edge))
		for k, v := range o.Edge {
			if k == "cursor" {
				if cursor, ok := v.(string); ok {
					op.cursor = cursor
				}
				continue
			}
			op.edgeScalars[k] = v
		}
	}
	if c.tx.layer != nil && !c.tx.replaying {
		c.tx.layer.connOps = append(c.tx.layer.connOps, op)
	}
	c.tx.applyConnOp(op)
}

// RemoveNode removes the edge holding node from the connection.
func (c *ConnectionTx) RemoveNode(node any) {
	if c.ck == "" {
		return
	}
	id := c.tx.resolveTarget(node)
	if id == "" {
		return
	}
	op := &connOp{kind: "remove", ck: c.ck, nodeID: id}
	if c.tx.layer != nil && !c.tx.replaying {
		c.tx.layer.connOps = append(c.tx.layer.connOps, op)
	}
	c.tx.applyConnOp(op)
}

// Patch shallow-merges delta onto the canonical record; a "pageInfo"
// sub-map applies to the linked pageInfo record.
func (c *ConnectionTx) Patch(delta map[string]any) {
	if c.ck == "" || len(delta) == 0 {
		return
	}
	op := &connOp{kind: "patch", ck: c.ck, delta: delta}
	if c.tx.layer != nil && !c.tx.replaying {
		c.tx.layer.connOps = append(c.tx.layer.connOps, op)
	}
	c.tx.applyConnOp(op)
}

func (t *Tx) applyConnOp(op *connOp) {
	switch op.kind {
	case "add":
		t.applyAdd(op)
	case "remove":
		t.applyRemove(op)
	case "patch":
		t.applyConnPatch(op)
	}
}

func (t *Tx) connEdges(ck string) store.RefList {
	rec, ok := t.m.store.Get(ck)
	if !ok {
		return nil
	}
	refs, _ := store.AsRefList(rec["edges"])
	return refs
}

func (t *Tx) edgeNodeID(edgeID string) string {
	rec, ok := t.m.store.Get(edgeID)
	if !ok {
		return ""
	}
	ref, _ := store.AsRef(rec["node"])
	return ref.ID
}

// findEdgeByNode resolves an anchor to an edge position, matching the node
// id exactly or by its bare id part.
func (t *Tx) findEdgeByNode(edges store.RefList, nodeID string) int {
	for i, edgeID := range edges {
		if t.edgeNodeID(edgeID) == nodeID {
			return i
		}
	}
	if !strings.Contains(nodeID, ":") {
		for i, edgeID := range edges {
			candidate := t.edgeNodeID(edgeID)
			if idx := strings.IndexByte(candidate, ':'); idx >= 0 && candidate[idx+1:] == nodeID {
				return i
			}
		}
	}
	return -1
}

func (t *Tx) applyAdd(op *connOp) {
	nodeID := t.m.ident.Identify(op.node)
	if nodeID == "" {
		return
	}

	// Ensure the entity exists.
	t.capture(nodeID)
	t.m.store.Put(nodeID, store.Record(op.node))

	// Ensure the canonical exists; creations are captured so an undo removes
	// them again.
	if _, ok := t.m.store.Get(op.ck); !ok {
		t.capture(op.ck)
		t.capture(op.ck + canonical.PageInfoSuffix)
		t.m.store.Put(op.ck+canonical.PageInfoSuffix, store.Record{"__typename": "PageInfo"})
		t.m.store.Put(op.ck, store.Record{
			"edges":    store.RefList{},
			"pageInfo": store.Ref{ID: op.ck + canonical.PageInfoSuffix},
		})
	}

	edges := t.connEdges(op.ck)
	if pos := t.findEdgeByNode(edges, nodeID); pos >= 0 {
		// Duplicate node: keep the existing edge, refresh its scalars.
		if len(op.edgeScalars) > 0 {
			t.capture(edges[pos])
			t.m.store.Put(edges[pos], store.Record(op.edgeScalars))
		}
		return
	}

	if op.edgeID == "" {
		t.capture(op.ck + canonical.EdgeCounterSuffix)
		op.edgeID = op.ck + ".edges." + strconv.Itoa(t.m.canon.NextEdgeIndex(op.ck))
	}
	t.capture(op.edgeID)

	typename, _ := op.node["__typename"].(string)
	edgeRec := store.Record{
		"__typename": typename + "Edge",
		"node":       store.Ref{ID: nodeID},
	}
	for k, v := range op.edgeScalars {
		edgeRec[k] = v
	}
	t.m.store.Replace(op.edgeID, edgeRec)

	insertPos := len(edges)
	switch op.position {
	case "start":
		insertPos = 0
	case "before":
		if i := t.findEdgeByNode(edges, op.anchorID); i >= 0 {
			insertPos = i
		}
	case "after":
		if i := t.findEdgeByNode(edges, op.anchorID); i >= 0 {
			insertPos = i + 1
		}
	}
	next := make(store.RefList, 0, len(edges)+1)
	next = append(next, edges[:insertPos]...)
	next = append(next, op.edgeID)
	next = append(next, edges[insertPos:]...)
	t.m.store.Put(op.ck, store.Record{"edges": next})

	op.insertPos = insertPos
	op.applied = true
	t.shiftCursorIndex(op.ck, insertPos, +1, op.cursor, insertPos, op)
}

// shiftCursorIndex moves positions at/after pos by delta and optionally sets
// addCursor→addPos. op records whether the sidecar pre-existed.
func (t *Tx) shiftCursorIndex(ck string, pos, delta int, addCursor string, addPos int, op *connOp) {
	idxID := ck + canonical.CursorIndexSuffix
	idx, existed := t.m.store.Get(idxID)
	if op != nil {
		op.indexExisted = existed
	}
	if !existed && addCursor == "" {
		return
	}
	next := store.Record{}
	for cursor, v := range idx {
		p, ok := intValue(v)
		if !ok {
			continue
		}
		if p >= pos {
			p += delta
		}
		next[cursor] = p
	}
	if addCursor != "" {
		next[addCursor] = addPos
	}
	t.m.store.Replace(idxID, next)
}

func (t *Tx) applyRemove(op *connOp) {
	edges := t.connEdges(op.ck)
	pos := t.findEdgeByNode(edges, op.nodeID)
	if pos < 0 {
		return
	}
	op.removedEdgeID = edges[pos]
	op.removedPos = pos
	op.applied = true

	next := make(store.RefList, 0, len(edges)-1)
	next = append(next, edges[:pos]...)
	next = append(next, edges[pos+1:]...)
	t.m.store.Put(op.ck, store.Record{"edges": next})

	// Drop the removed edge's cursor mapping, then close the gap.
	idxID := op.ck + canonical.CursorIndexSuffix
	if idx, ok := t.m.store.Get(idxID); ok {
		nextIdx := store.Record{}
		op.removedCursor = ""
		for cursor, v := range idx {
			p, ok := intValue(v)
			if !ok {
				continue
			}
			if p == pos {
				op.removedCursor = cursor
				continue
			}
			if p > pos {
				p--
			}
			nextIdx[cursor] = p
		}
		t.m.store.Replace(idxID, nextIdx)
	}
}

func (t *Tx) applyConnPatch(op *connOp) {
	rec, ok := t.m.store.Get(op.ck)
	if !ok {
		return
	}
	record := op.patchBase == nil && t.layer != nil
	if record {
		op.patchBase = make(map[string]*valueBaseline)
	}

	patch := store.Record{}
	for k, v := range op.delta {
		if k == "pageInfo" {
			if sub, ok := v.(map[string]any); ok {
				t.applyPageInfoPatch(op, rec, sub, record)
			}
			continue
		}
		if record {
			base := &valueBaseline{}
			if current, exists := rec[k]; exists {
				base.existed = true
				base.value = current
			}
			op.patchBase[k] = base
		}
		patch[k] = v
	}
	if len(patch) > 0 {
		t.shallowSet(op.ck, patch, nil)
	}
}

func (t *Tx) applyPageInfoPatch(op *connOp, connRec store.Record, delta map[string]any, record bool) {
	ref, ok := store.AsRef(connRec["pageInfo"])
	if !ok {
		return
	}
	info, _ := t.m.store.Get(ref.ID)
	if record {
		op.pageInfoBase = make(map[string]*valueBaseline)
		for k := range delta {
			base := &valueBaseline{}
			if current, exists := info[k]; exists {
				base.existed = true
				base.value = current
			}
			op.pageInfoBase[k] = base
		}
	}
	t.shallowSet(ref.ID, store.Record(delta), nil)
}

// shallowSet replaces keys on a record without deep-merging map values, and
// deletes keys named in drop.
func (t *Tx) shallowSet(recordID string, patch store.Record, drop []string) {
	current, _ := t.m.store.Get(recordID)
	next := current.Clone()
	if next == nil {
		next = store.Record{}
	}
	for k, v := range patch {
		next[k] = v
	}
	for _, k := range drop {
		delete(next, k)
	}
	t.m.store.Replace(recordID, next)
}

// undoConnOp reverses one connection op against the live store.
func (m *Manager) undoConnOp(op *connOp) {
	tx := &Tx{m: m}
	switch op.kind {
	case "add":
		if !op.applied {
			return
		}
		edges := tx.connEdges(op.ck)
		next := make(store.RefList, 0, len(edges))
		pos := -1
		for i, edgeID := range edges {
			if edgeID == op.edgeID && pos < 0 {
				pos = i
				continue
			}
			next = append(next, edgeID)
		}
		if pos < 0 {
			return
		}
		m.store.Put(op.ck, store.Record{"edges": next})
		if op.cursor != "" || op.indexExisted {
			tx.unshiftCursorIndex(op.ck, pos, op.cursor, op.indexExisted)
		}
		op.applied = false
	case "remove":
		if !op.applied {
			return
		}
		edges := tx.connEdges(op.ck)
		pos := op.removedPos
		if pos > len(edges) {
			pos = len(edges)
		}
		next := make(store.RefList, 0, len(edges)+1)
		next = append(next, edges[:pos]...)
		next = append(next, op.removedEdgeID)
		next = append(next, edges[pos:]...)
		m.store.Put(op.ck, store.Record{"edges": next})

		idxID := op.ck + canonical.CursorIndexSuffix
		if idx, ok := m.store.Get(idxID); ok || op.removedCursor != "" {
			nextIdx := store.Record{}
			for cursor, v := range idx {
				p, ok := intValue(v)
				if !ok {
					continue
				}
				if p >= pos {
					p++
				}
				nextIdx[cursor] = p
			}
			if op.removedCursor != "" {
				nextIdx[op.removedCursor] = pos
			}
			m.store.Replace(idxID, nextIdx)
		}
		op.applied = false
	case "patch":
		if op.patchBase != nil {
			patch := store.Record{}
			var drop []string
			for k, base := range op.patchBase {
				if base.existed {
					patch[k] = base.value
				} else {
					drop = append(drop, k)
				}
			}
			tx.shallowSet(op.ck, patch, drop)
		}
		if op.pageInfoBase != nil {
			if rec, ok := m.store.Get(op.ck); ok {
				if ref, ok := store.AsRef(rec["pageInfo"]); ok {
					patch := store.Record{}
					var drop []string
					for k, base := range op.pageInfoBase {
						if base.existed {
							patch[k] = base.value
						} else {
							drop = append(drop, k)
						}
					}
					tx.shallowSet(ref.ID, patch, drop)
				}
			}
		}
	}
}

// unshiftCursorIndex reverses an insert: removes the inserted cursor and
// closes the position gap. A sidecar created by the op is removed outright.
func (t *Tx) unshiftCursorIndex(ck string, pos int, cursor string, existedBefore bool) {
	idxID := ck + canonical.CursorIndexSuffix
	idx, ok := t.m.store.Get(idxID)
	if !ok {
		return
	}
	if !existedBefore {
		t.m.store.Remove(idxID)
		return
	}
	next := store.Record{}
	for c, v := range idx {
		p, ok := intValue(v)
		if !ok {
			continue
		}
		if c == cursor && p == pos {
			continue
		}
		if p > pos {
			p--
		}
		next[c] = p
	}
	t.m.store.Replace(idxID, next)
}

func intValue(v any) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	}
	return 0, false
}

