package optimistic

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/store"
)

type fixture struct {
	store *store.Store
	canon *canonical.Canonical
	m     *Manager
}

func setup() *fixture {
	s := store.New(store.Options{Schedule: func(func()) {}})
	ident := identity.New(identity.Options{})
	canon := canonical.New(s, nil)
	m := New(s, ident, canon, nil)
	canon.SetReplay(m.Replay)
	return &fixture{store: s, canon: canon, m: m}
}

// seedConnection writes a canonical connection with the given post ids, the
// way a normalized page merge would leave it.
func (f *fixture) seedConnection(ck string, ids []string) {
	edges := make(store.RefList, 0, len(ids))
	idx := store.Record{}
	for i, id := range ids {
		edgeID := fmt.Sprintf("%s.page.edges.%d", ck, i)
		f.store.Put(edgeID, store.Record{
			"__typename": "PostEdge",
			"cursor":     id,
			"node":       store.Ref{ID: "Post:" + id},
		})
		f.store.Put("Post:"+id, store.Record{"__typename": "Post", "id": id, "title": "T" + id})
		edges = append(edges, edgeID)
		idx[id] = i
	}
	f.store.Put(ck+canonical.PageInfoSuffix, store.Record{"__typename": "PageInfo", "hasNextPage": false})
	f.store.Put(ck, store.Record{
		"__typename": "PostConnection",
		"edges":      edges,
		"pageInfo":   store.Ref{ID: ck + canonical.PageInfoSuffix},
	})
	f.store.Replace(ck+canonical.CursorIndexSuffix, idx)
}

func (f *fixture) nodeIDs(t *testing.T, ck string) []string {
	t.Helper()
	rec, ok := f.store.Get(ck)
	require.True(t, ok)
	refs, _ := store.AsRefList(rec["edges"])
	var out []string
	for _, edgeID := range refs {
		edge, ok := f.store.Get(edgeID)
		require.True(t, ok)
		ref, _ := store.AsRef(edge["node"])
		out = append(out, ref.ID)
	}
	return out
}

const ck = "@connection.posts()"

func TestAddRemoveCommitRevert(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1", "p2", "p3", "p4"})

	build := func(tx *Tx) {
		conn := tx.Connection(ck)
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p5", "title": "Tp5"},
			AddNodeOptions{Position: "start"})
		conn.RemoveNode("Post:p1")
	}
	h := f.m.Apply(build)
	assert.Equal([]string{"Post:p5", "Post:p2", "Post:p3", "Post:p4"}, f.nodeIDs(t, ck))

	before := f.store.Inspect()
	h.Commit(nil)
	if diff := cmp.Diff(before, f.store.Inspect()); diff != "" {
		t.Fatalf("commit changed state (-want +got):\n%s", diff)
	}
	h.Revert()
	if diff := cmp.Diff(before, f.store.Inspect()); diff != "" {
		t.Fatalf("revert after commit changed state (-want +got):\n%s", diff)
	}
}

func TestRevertRestoresByteEqualState(t *testing.T) {
	f := setup()
	f.seedConnection(ck, []string{"p1", "p2", "p3", "p4"})
	f.store.Put("User:u1", store.Record{"__typename": "User", "id": "u1", "email": "a@x"})
	before := f.store.Inspect()

	h1 := f.m.Apply(func(tx *Tx) {
		conn := tx.Connection(ck)
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p5", "title": "Tp5"},
			AddNodeOptions{Position: "start", Edge: map[string]any{"cursor": "c5", "pinned": true}})
		conn.RemoveNode("Post:p2")
		tx.Patch("User:u1", map[string]any{"email": "b@x", "extra": 1})
	})
	h2 := f.m.Apply(func(tx *Tx) {
		tx.Delete("User:u1")
		tx.Connection(ck).Patch(map[string]any{
			"totalCount": 9,
			"pageInfo":   map[string]any{"hasNextPage": true},
		})
	})

	h2.Revert()
	h1.Revert()
	if diff := cmp.Diff(before, f.store.Inspect()); diff != "" {
		t.Fatalf("state not restored (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestAddNodeDeduplicates(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1", "p2"})

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).AddNode(map[string]any{"__typename": "Post", "id": "p2", "title": "dup"})
	})
	assert.Equal([]string{"Post:p1", "Post:p2"}, f.nodeIDs(t, ck))
}

func TestAddNodeAnchors(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1", "p3"})

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).AddNode(map[string]any{"__typename": "Post", "id": "p2"},
			AddNodeOptions{Position: "after", Anchor: "Post:p1"})
	})
	assert.Equal([]string{"Post:p1", "Post:p2", "Post:p3"}, f.nodeIDs(t, ck))

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).AddNode(map[string]any{"__typename": "Post", "id": "p0"},
			AddNodeOptions{Position: "before", Anchor: "p1"}) // bare id fallback
	})
	assert.Equal([]string{"Post:p0", "Post:p1", "Post:p2", "Post:p3"}, f.nodeIDs(t, ck))
}

func TestCursorIndexMaintained(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1", "p2"})

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).AddNode(map[string]any{"__typename": "Post", "id": "p0"},
			AddNodeOptions{Position: "start", Edge: map[string]any{"cursor": "c0"}})
	})
	idx, ok := f.store.Get(ck + canonical.CursorIndexSuffix)
	require.True(t, ok)
	assert.Equal(0, idx["c0"])
	assert.Equal(1, idx["p1"])
	assert.Equal(2, idx["p2"])

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).RemoveNode("Post:p1")
	})
	idx, _ = f.store.Get(ck + canonical.CursorIndexSuffix)
	assert.Equal(0, idx["c0"])
	assert.Equal(1, idx["p2"])
	_, hasP1 := idx["p1"]
	assert.False(hasP1)
}

func TestConnectionPatchAndPageInfo(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1"})

	h := f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).Patch(map[string]any{
			"totalCount": 5,
			"pageInfo":   map[string]any{"hasNextPage": true},
		})
	})
	rec, _ := f.store.Get(ck)
	assert.Equal(5, rec["totalCount"])
	info, _ := f.store.Get(ck + canonical.PageInfoSuffix)
	assert.Equal(true, info["hasNextPage"])

	h.Revert()
	rec, _ = f.store.Get(ck)
	_, hasCount := rec["totalCount"]
	assert.False(hasCount)
	info, _ = f.store.Get(ck + canonical.PageInfoSuffix)
	assert.Equal(false, info["hasNextPage"])
}

func TestCommitWithData(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1"})

	h := f.m.Apply(func(tx *Tx) {
		node := map[string]any{"__typename": "Post", "id": "tmp-1", "title": "draft"}
		if tx.Phase() == PhaseCommit {
			if server, ok := tx.Data().(map[string]any); ok {
				node = server
			}
		}
		tx.Connection(ck).AddNode(node, AddNodeOptions{Position: "end"})
	})
	assert.Contains(f.nodeIDs(t, ck), "Post:tmp-1")

	h.Commit(map[string]any{"__typename": "Post", "id": "p9", "title": "real"})
	ids := f.nodeIDs(t, ck)
	assert.Contains(ids, "Post:p9")
	assert.NotContains(ids, "Post:tmp-1")
	_, tmpExists := f.store.Get("Post:tmp-1")
	assert.False(tmpExists)
}

func TestReplayAfterLeaderReset(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.seedConnection(ck, []string{"p1", "p2"})

	f.m.Apply(func(tx *Tx) {
		tx.Connection(ck).AddNode(map[string]any{"__typename": "Post", "id": "p9"},
			AddNodeOptions{Position: "start"})
	})
	assert.Equal([]string{"Post:p9", "Post:p1", "Post:p2"}, f.nodeIDs(t, ck))

	// A server leader write replaces the canonical edge list, dropping the
	// optimistic edge; replay reasserts it.
	f.seedConnection(ck, []string{"p3", "p4"})
	f.m.Replay(canonical.ReplayHint{Connections: []string{ck}})
	assert.Equal([]string{"Post:p9", "Post:p3", "Post:p4"}, f.nodeIDs(t, ck))

	// Replay is scoped: a hint for another connection does nothing.
	f.seedConnection(ck, []string{"p3", "p4"})
	f.m.Replay(canonical.ReplayHint{Connections: []string{"@connection.other()"}})
	assert.Equal([]string{"Post:p3", "Post:p4"}, f.nodeIDs(t, ck))
}

func TestUnresolvableTargetsSilent(t *testing.T) {
	f := setup()
	h := f.m.Apply(func(tx *Tx) {
		tx.Patch(map[string]any{"noType": true}, map[string]any{"a": 1})
		tx.Delete(map[string]any{"noType": true})
		tx.Connection(ck).AddNode(map[string]any{"noType": true})
		tx.Connection(ck).RemoveNode(map[string]any{"noType": true})
	})
	assert.Empty(t, f.store.Keys())
	h.Revert()
	assert.Empty(t, f.store.Keys())
}

func TestEntityPatchFn(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.store.Put("User:u1", store.Record{"__typename": "User", "id": "u1", "count": 1})

	h := f.m.Apply(func(tx *Tx) {
		tx.Patch("User:u1", func(current store.Record) store.Record {
			n, _ := current["count"].(int)
			return store.Record{"count": n + 1}
		})
	})
	rec, _ := f.store.Get("User:u1")
	assert.Equal(2, rec["count"])
	h.Revert()
	rec, _ = f.store.Get("User:u1")
	assert.Equal(1, rec["count"])
}

func TestPatchReplaceMode(t *testing.T) {
	assert := assert.New(t)
	f := setup()
	f.store.Put("User:u1", store.Record{"__typename": "User", "id": "u1", "email": "a@x"})

	h := f.m.Apply(func(tx *Tx) {
		tx.Patch("User:u1", map[string]any{"__typename": "User", "id": "u1"}, "replace")
	})
	rec, _ := f.store.Get("User:u1")
	_, hasEmail := rec["email"]
	assert.False(hasEmail)
	h.Revert()
	rec, _ = f.store.Get("User:u1")
	assert.Equal("a@x", rec["email"])
}
