// Package canonical merges normalized connection pages into cursor-indexed
// canonical connection records.
package canonical

import (
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Prefix starts every canonical connection record id.
const Prefix = "@connection."

// Sidecar suffixes.
const (
	CursorIndexSuffix = "::cursorIndex"
	EdgeCounterSuffix = "::edgeCounter"
	PageInfoSuffix    = ".pageInfo"
)

var boundaryFields = map[string]struct{}{
	"hasPreviousPage": {},
	"hasNextPage":     {},
	"startCursor":     {},
	"endCursor":       {},
}

// Key derives the canonical record id for a connection under a parent.
func Key(parentID, connectionKey string, filters map[string]any) string {
	base := Prefix
	if parentID != "" && parentID != store.RootID {
		base += parentID + "."
	}
	return base + connectionKey + "(" + plan.StableArgs(filters) + ")"
}

// ReplayHint scopes an optimistic replay to specific connections or entities.
type ReplayHint struct {
	Connections []string
	Entities    []string
}

// Page describes one normalized connection page awaiting a canonical merge.
type Page struct {
	Field     *plan.Field
	ParentID  string
	Variables map[string]any
	PageKey   string
}

// Canonical owns canonical connection records and their sidecars.
type Canonical struct {
	store  *store.Store
	logger *zap.Logger
	// replay reasserts pending optimistic layers after a canonical write.
	replay func(hint ReplayHint)
}

// New builds a Canonical over a store.
func New(s *store.Store, logger *zap.Logger) *Canonical {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canonical{store: s, logger: logger}
}

// SetReplay installs the optimistic replay callback.
func (c *Canonical) SetReplay(replay func(hint ReplayHint)) {
	c.replay = replay
}

// KeyForPage derives the canonical key a page merges into.
func (c *Canonical) KeyForPage(page Page) string {
	return Key(page.ParentID, page.Field.ConnectionKey, page.Field.FilterArgs(page.Variables))
}

// UpdateConnection merges one normalized page into its canonical record.
func (c *Canonical) UpdateConnection(page Page) {
	pageRec, ok := c.store.Get(page.PageKey)
	if !ok {
		return
	}
	ck := c.KeyForPage(page)

	incoming, _ := store.AsRefList(pageRec["edges"])
	pagination := page.Field.PaginationArgs(page.Variables)
	after, hasAfter := stringArg(pagination["after"])
	before, hasBefore := stringArg(pagination["before"])

	if page.Field.ConnectionMode == plan.ConnectionModePage {
		c.replacePage(ck, pageRec, incoming)
		c.fireReplay(ck)
		return
	}

	existing := c.edges(ck)

	var prefix, suffix store.RefList
	switch {
	case hasAfter:
		if i, ok := c.findCursor(ck, existing, after); ok {
			prefix = existing[:i+1]
		} else {
			prefix = existing
		}
	case hasBefore:
		if i, ok := c.findCursor(ck, existing, before); ok {
			suffix = existing[i:]
		} else {
			suffix = existing
		}
	default:
		// Leader page resets the canonical list.
	}

	incoming = c.dedupe(prefix, suffix, incoming)
	merged := make(store.RefList, 0, len(prefix)+len(incoming)+len(suffix))
	merged = append(merged, prefix...)
	merged = append(merged, incoming...)
	merged = append(merged, suffix...)

	c.updateCursorIndex(ck, existing, prefix, suffix, incoming, merged)
	c.mergePageInfo(ck, page.PageKey, merged, len(prefix) == 0, len(suffix) == 0)
	c.writeCanonical(ck, pageRec, merged)
	c.fireReplay(ck)
}

func (c *Canonical) fireReplay(ck string) {
	if c.replay != nil {
		c.replay(ReplayHint{Connections: []string{ck}})
	}
}

// replacePage implements page mode: the canonical view mirrors the latest
// page wholesale.
func (c *Canonical) replacePage(ck string, pageRec store.Record, incoming store.RefList) {
	var pageInfo store.Record
	if ref, ok := store.AsRef(pageRec["pageInfo"]); ok {
		if rec, ok := c.store.Get(ref.ID); ok {
			pageInfo = rec.Clone()
		}
	}
	if pageInfo == nil {
		pageInfo = store.Record{"__typename": "PageInfo"}
	}
	c.store.Replace(ck+PageInfoSuffix, pageInfo)
	c.rebuildCursorIndex(ck, incoming)
	c.writeCanonical(ck, pageRec, incoming)
}

// writeCanonical writes the canonical record: typename and user extras from
// the page, the merged edge list, and the canonical pageInfo link.
func (c *Canonical) writeCanonical(ck string, pageRec store.Record, merged store.RefList) {
	patch := store.Record{
		"edges":    merged,
		"pageInfo": store.Ref{ID: ck + PageInfoSuffix},
	}
	for k, v := range pageRec {
		if k == "edges" || k == "pageInfo" {
			continue
		}
		patch[k] = v
	}
	c.store.Put(ck, patch)
}

// edges returns the canonical edge list, or nil when the canonical does not
// exist yet.
func (c *Canonical) edges(ck string) store.RefList {
	rec, ok := c.store.Get(ck)
	if !ok {
		return nil
	}
	refs, _ := store.AsRefList(rec["edges"])
	return refs
}

// findCursor locates a cursor in the canonical edge order, first through the
// cursorIndex sidecar, then by scanning edge records.
func (c *Canonical) findCursor(ck string, edges store.RefList, cursor string) (int, bool) {
	if idx, ok := c.store.Get(ck + CursorIndexSuffix); ok {
		if pos, ok := intValue(idx[cursor]); ok && pos >= 0 && pos < len(edges) {
			return pos, true
		}
	}
	for i, edgeID := range edges {
		if c.edgeCursor(edgeID) == cursor {
			return i, true
		}
	}
	return 0, false
}

func (c *Canonical) edgeCursor(edgeID string) string {
	rec, ok := c.store.Get(edgeID)
	if !ok {
		return ""
	}
	cursor, _ := rec["cursor"].(string)
	return cursor
}

func (c *Canonical) edgeNode(edgeID string) string {
	rec, ok := c.store.Get(edgeID)
	if !ok {
		return ""
	}
	ref, _ := store.AsRef(rec["node"])
	return ref.ID
}

// dedupe drops incoming edges whose node already appears in the kept
// prefix/suffix, and duplicate nodes within the incoming page itself.
func (c *Canonical) dedupe(prefix, suffix, incoming store.RefList) store.RefList {
	seen := make(map[string]struct{}, len(prefix)+len(suffix))
	for _, edgeID := range prefix {
		if node := c.edgeNode(edgeID); node != "" {
			seen[node] = struct{}{}
		}
	}
	for _, edgeID := range suffix {
		if node := c.edgeNode(edgeID); node != "" {
			seen[node] = struct{}{}
		}
	}
	out := make(store.RefList, 0, len(incoming))
	for _, edgeID := range incoming {
		node := c.edgeNode(edgeID)
		if node != "" {
			if _, dup := seen[node]; dup {
				continue
			}
			seen[node] = struct{}{}
		}
		out = append(out, edgeID)
	}
	return out
}

// updateCursorIndex keeps the sidecar consistent with the merged edge order,
// incrementally for pure appends/prepends and by rebuild otherwise.
func (c *Canonical) updateCursorIndex(ck string, existing, prefix, suffix, incoming, merged store.RefList) {
	switch {
	case len(existing) == len(prefix) && len(suffix) == 0:
		// Pure append: extend positions for incoming cursors.
		patch := store.Record{}
		for i, edgeID := range incoming {
			if cursor := c.edgeCursor(edgeID); cursor != "" {
				patch[cursor] = len(prefix) + i
			}
		}
		if len(patch) > 0 {
			c.store.Put(ck+CursorIndexSuffix, patch)
		}
	case len(existing) == len(suffix) && len(prefix) == 0 && len(existing) > 0:
		// Pure prepend: shift every existing position, then add new cursors.
		next := store.Record{}
		if idx, ok := c.store.Get(ck + CursorIndexSuffix); ok {
			for cursor, v := range idx {
				if pos, ok := intValue(v); ok {
					next[cursor] = pos + len(incoming)
				}
			}
		}
		for i, edgeID := range incoming {
			if cursor := c.edgeCursor(edgeID); cursor != "" {
				next[cursor] = i
			}
		}
		c.store.Replace(ck+CursorIndexSuffix, next)
	default:
		c.rebuildCursorIndex(ck, merged)
	}
}

func (c *Canonical) rebuildCursorIndex(ck string, merged store.RefList) {
	next := store.Record{}
	for i, edgeID := range merged {
		if cursor := c.edgeCursor(edgeID); cursor != "" {
			next[cursor] = i
		}
	}
	c.store.Replace(ck+CursorIndexSuffix, next)
}

// mergePageInfo applies the boundary policy: non-boundary extras always
// merge; hasPreviousPage/startCursor apply only when the page sits at the
// head, hasNextPage/endCursor only at the tail.
func (c *Canonical) mergePageInfo(ck, pageKey string, merged store.RefList, atHead, atTail bool) {
	var incoming store.Record
	if rec, ok := c.store.Get(pageKey + PageInfoSuffix); ok {
		incoming = rec
	}

	patch := store.Record{}
	for k, v := range incoming {
		if _, boundary := boundaryFields[k]; !boundary {
			patch[k] = v
		}
	}
	if _, ok := patch["__typename"]; !ok && incoming == nil {
		patch["__typename"] = "PageInfo"
	}

	if atHead {
		if v, ok := incoming["hasPreviousPage"]; ok {
			patch["hasPreviousPage"] = v
		}
		if v, ok := incoming["startCursor"]; ok && v != nil {
			patch["startCursor"] = v
		} else if len(merged) > 0 {
			if cursor := c.edgeCursor(merged[0]); cursor != "" {
				patch["startCursor"] = cursor
			}
		}
	}
	if atTail {
		if v, ok := incoming["hasNextPage"]; ok {
			patch["hasNextPage"] = v
		}
		if v, ok := incoming["endCursor"]; ok && v != nil {
			patch["endCursor"] = v
		} else if len(merged) > 0 {
			if cursor := c.edgeCursor(merged[len(merged)-1]); cursor != "" {
				patch["endCursor"] = cursor
			}
		}
	}
	c.store.Put(ck+PageInfoSuffix, patch)
}

// NextEdgeIndex allocates the next synthetic edge index for a canonical
// connection through the edgeCounter sidecar.
func (c *Canonical) NextEdgeIndex(ck string) int {
	next := 0
	if rec, ok := c.store.Get(ck + EdgeCounterSuffix); ok {
		if n, ok := intValue(rec["next"]); ok {
			next = n
		}
	}
	c.store.Put(ck+EdgeCounterSuffix, store.Record{"next": next + 1})
	return next
}

// Keys returns every canonical connection record id, excluding sidecars.
func (c *Canonical) Keys() []string {
	return lo.Filter(c.store.KeysWithPrefix(Prefix), func(k string, _ int) bool {
		return !isSidecar(k)
	})
}

func isSidecar(k string) bool {
	if len(k) > len(CursorIndexSuffix) && k[len(k)-len(CursorIndexSuffix):] == CursorIndexSuffix {
		return true
	}
	if len(k) > len(EdgeCounterSuffix) && k[len(k)-len(EdgeCounterSuffix):] == EdgeCounterSuffix {
		return true
	}
	return false
}

func stringArg(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func intValue(v any) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	case string:
		if n, err := strconv.Atoi(tv); err == nil {
			return n, true
		}
	}
	return 0, false
}
