package materialize

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/normalize"
	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/store"
)

type fixture struct {
	store *store.Store
	ident *identity.Registry
	norm  *normalize.Normalizer
	mat   *Materializer
}

func setup(identOpts identity.Options) *fixture {
	s := store.New(store.Options{Schedule: func(func()) {}})
	ident := identity.New(identOpts)
	canon := canonical.New(s, nil)
	return &fixture{
		store: s,
		ident: ident,
		norm:  normalize.New(s, ident, canon, nil),
		mat:   New(s, ident, nil),
	}
}

func userPlan() *plan.Plan {
	return plan.NewPlan(plan.Plan{
		Name: "GetUser",
		Root: []*plan.Field{
			plan.NewField(plan.Field{
				Name:      "user",
				Arguments: map[string]plan.Arg{"id": plan.Var("id")},
				Selection: plan.Fields(
					plan.NewField(plan.Field{Name: "__typename"}),
					plan.NewField(plan.Field{Name: "id"}),
					plan.NewField(plan.Field{Name: "email"}),
				),
			}),
		},
	})
}

func TestRoundTrip(t *testing.T) {
	f := setup(identity.Options{})
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	data := map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}
	f.norm.Normalize(p, vars, data, "")

	res := f.mat.Materialize(Request{Plan: p, Variables: vars, Canonical: true, Fingerprint: true})
	require.True(t, res.OK)
	assert.Equal(t, SourceCanonical, res.Source)
	if diff := cmp.Diff(data, res.Data); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, res.Dependencies, "User:u1")
	assert.Contains(t, res.Dependencies, `@.user({"id":"u1"})`)
}

func TestMissingRootIsNone(t *testing.T) {
	f := setup(identity.Options{})
	res := f.mat.Materialize(Request{Plan: userPlan(), Variables: map[string]any{"id": "u1"}})
	assert.False(t, res.OK)
	assert.Equal(t, SourceNone, res.Source)
	require.NotEmpty(t, res.Misses)
	assert.Equal(t, MissRootLink, res.Misses[0].Kind)
}

func TestMissingScalarIsPartial(t *testing.T) {
	assert := assert.New(t)
	f := setup(identity.Options{})
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	f.norm.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1"},
	}, "")

	res := f.mat.Materialize(Request{Plan: p, Variables: vars})
	assert.True(res.OK)
	user := res.Data["user"].(map[string]any)
	_, hasEmail := user["email"]
	assert.False(hasEmail)
	require.Len(t, res.Misses, 1)
	assert.Equal(MissScalar, res.Misses[0].Kind)
}

func TestMissingEntityIsNone(t *testing.T) {
	f := setup(identity.Options{})
	f.store.Put(store.RootID, store.Record{`user({"id":"u1"})`: store.Ref{ID: "User:u1"}})
	res := f.mat.Materialize(Request{Plan: userPlan(), Variables: map[string]any{"id": "u1"}})
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Misses)
	assert.Equal(t, MissEntity, res.Misses[0].Kind)
}

func TestNullLinkPreserved(t *testing.T) {
	f := setup(identity.Options{})
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	f.norm.Normalize(p, vars, map[string]any{"user": nil}, "")

	res := f.mat.Materialize(Request{Plan: p, Variables: vars})
	require.True(t, res.OK)
	v, present := res.Data["user"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestFingerprintDeterminism(t *testing.T) {
	assert := assert.New(t)
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	data := map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}

	f1 := setup(identity.Options{})
	f1.norm.Normalize(p, vars, data, "")
	r1 := f1.mat.Materialize(Request{Plan: p, Variables: vars, Fingerprint: true})

	f2 := setup(identity.Options{})
	f2.norm.Normalize(p, vars, data, "")
	r2 := f2.mat.Materialize(Request{Plan: p, Variables: vars, Fingerprint: true})

	require.NotNil(t, r1.Fingerprints)
	assert.Equal(r1.Fingerprints.FP, r2.Fingerprints.FP)

	// Distinct content changes the root fingerprint. Fingerprints derive from
	// record versions, so the changed write lands in the same store.
	f1.norm.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "b@x"},
	}, "")
	r3 := f1.mat.Materialize(Request{Plan: p, Variables: vars, Fingerprint: true})
	assert.NotEqual(r1.Fingerprints.FP, r3.Fingerprints.FP)
}

func TestFingerprintChangesOnUpdate(t *testing.T) {
	f := setup(identity.Options{})
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	f.norm.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, "")

	r1 := f.mat.Materialize(Request{Plan: p, Variables: vars, Fingerprint: true})
	f.store.Put("User:u1", store.Record{"email": "b@x"})
	r2 := f.mat.Materialize(Request{Plan: p, Variables: vars, Fingerprint: true})

	assert.NotEqual(t, r1.Fingerprints.FP, r2.Fingerprints.FP)
	userFP1 := r1.Fingerprints.Fields["user"]
	userFP2 := r2.Fingerprints.Fields["user"]
	require.NotNil(t, userFP1)
	require.NotNil(t, userFP2)
	assert.NotEqual(t, userFP1.FP, userFP2.FP)
}

func TestPreferCache(t *testing.T) {
	assert := assert.New(t)
	f := setup(identity.Options{})
	p := userPlan()
	vars := map[string]any{"id": "u1"}
	f.norm.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, "")

	r1 := f.mat.Materialize(Request{Plan: p, Variables: vars, UpdateCache: true})
	assert.False(r1.Hot)
	r2 := f.mat.Materialize(Request{Plan: p, Variables: vars, PreferCache: true})
	assert.True(r2.Hot)
	assert.Same(r1, r2)

	f.mat.Invalidate(Request{Plan: p, Variables: vars})
	r3 := f.mat.Materialize(Request{Plan: p, Variables: vars, PreferCache: true})
	assert.NotSame(r1, r3)
}

func postConnectionPlan() *plan.Plan {
	return plan.NewPlan(plan.Plan{
		Name: "PostList",
		Root: []*plan.Field{
			plan.NewField(plan.Field{
				Name:         "posts",
				IsConnection: true,
				Arguments: map[string]plan.Arg{
					"first": plan.Var("first"),
					"after": plan.Var("after"),
				},
				Selection: plan.Fields(
					plan.NewField(plan.Field{Name: "__typename"}),
					plan.NewField(plan.Field{
						Name: "edges",
						Selection: plan.Fields(
							plan.NewField(plan.Field{Name: "__typename"}),
							plan.NewField(plan.Field{Name: "cursor"}),
							plan.NewField(plan.Field{
								Name: "node",
								Selection: plan.Fields(
									plan.NewField(plan.Field{Name: "__typename"}),
									plan.NewField(plan.Field{Name: "id"}),
									plan.NewField(plan.Field{Name: "title"}),
								),
							}),
						),
					}),
					plan.NewField(plan.Field{
						Name: "pageInfo",
						Selection: plan.Fields(
							plan.NewField(plan.Field{Name: "__typename"}),
							plan.NewField(plan.Field{Name: "hasNextPage"}),
							plan.NewField(plan.Field{Name: "endCursor"}),
						),
					}),
				),
			}),
		},
	})
}

func postPage(posts [][2]string, hasNext bool) map[string]any {
	edges := make([]any, 0, len(posts))
	for _, p := range posts {
		edges = append(edges, map[string]any{
			"__typename": "PostEdge",
			"cursor":     p[0],
			"node":       map[string]any{"__typename": "Post", "id": p[0], "title": p[1]},
		})
	}
	return map[string]any{
		"posts": map[string]any{
			"__typename": "PostConnection",
			"edges":      edges,
			"pageInfo": map[string]any{
				"__typename":  "PageInfo",
				"hasNextPage": hasNext,
				"endCursor":   posts[len(posts)-1][0],
			},
		},
	}
}

func TestConnectionCanonicalVsStrict(t *testing.T) {
	assert := assert.New(t)
	f := setup(identity.Options{})
	p := postConnectionPlan()

	f.norm.Normalize(p, map[string]any{"first": 2}, postPage([][2]string{{"p1", "A1"}, {"p2", "A2"}}, true), "")
	f.norm.Normalize(p, map[string]any{"first": 2, "after": "p2"}, postPage([][2]string{{"p3", "A3"}}, false), "")

	// Canonical mode sees the merged list under page-one variables.
	res := f.mat.Materialize(Request{Plan: p, Variables: map[string]any{"first": 2}, Canonical: true})
	require.True(t, res.OK)
	conn := res.Data["posts"].(map[string]any)
	edges := conn["edges"].([]any)
	assert.Len(edges, 3)
	info := conn["pageInfo"].(map[string]any)
	assert.Equal(false, info["hasNextPage"])
	assert.Equal("p3", info["endCursor"])

	// Strict mode sees exactly page two under page-two variables.
	strict := f.mat.Materialize(Request{Plan: p, Variables: map[string]any{"first": 2, "after": "p2"}})
	require.True(t, strict.OK)
	strictEdges := strict.Data["posts"].(map[string]any)["edges"].([]any)
	assert.Len(strictEdges, 1)

	// Unfetched variables miss in strict mode but hit canonically.
	missed := f.mat.Materialize(Request{Plan: p, Variables: map[string]any{"first": 5}})
	assert.False(missed.OK)
	require.NotEmpty(t, missed.Misses)
	assert.Equal(MissConnection, missed.Misses[0].Kind)
	// The miss reports both views: the canonical exists, the exact page
	// for these variables was never fetched.
	assert.True(missed.Misses[0].CanonicalPresent)
	assert.False(missed.Misses[0].StrictPresent)
	hit := f.mat.Materialize(Request{Plan: p, Variables: map[string]any{"first": 5}, Canonical: true})
	assert.True(hit.OK)
}

func TestInterfaceDispatch(t *testing.T) {
	assert := assert.New(t)
	f := setup(identity.Options{
		Interfaces: map[string][]string{"Post": {"AudioPost", "VideoPost"}},
	})

	p := plan.NewPlan(plan.Plan{
		Root: []*plan.Field{
			plan.NewField(plan.Field{
				Name: "feed",
				Selection: plan.Fields(
					plan.NewField(plan.Field{Name: "__typename"}),
					plan.NewField(plan.Field{Name: "id"}),
					plan.NewField(plan.Field{Name: "duration", TypeCondition: "Post"}),
				),
			}),
		},
	})
	f.norm.Normalize(p, nil, map[string]any{
		"feed": []any{
			map[string]any{"__typename": "AudioPost", "id": "a1", "duration": float64(30)},
			map[string]any{"__typename": "User", "id": "u1"},
		},
	}, "")

	res := f.mat.Materialize(Request{Plan: p, Variables: nil})
	require.True(t, res.OK)
	feed := res.Data["feed"].([]any)
	require.Len(t, feed, 2)

	audio := feed[0].(map[string]any)
	assert.Equal(float64(30), audio["duration"])

	// The conditioned field does not apply to User, and is not a miss.
	user := feed[1].(map[string]any)
	_, has := user["duration"]
	assert.False(has)
	assert.True(res.OK)
}

func TestFragmentMaterialize(t *testing.T) {
	assert := assert.New(t)
	f := setup(identity.Options{})
	f.store.Put("User:u1", store.Record{"__typename": "User", "id": "u1", "email": "a@x"})

	frag := plan.NewPlan(plan.Plan{
		Name: "UserFields",
		Root: []*plan.Field{
			plan.NewField(plan.Field{Name: "__typename"}),
			plan.NewField(plan.Field{Name: "id"}),
			plan.NewField(plan.Field{Name: "email"}),
		},
	})
	res := f.mat.Materialize(Request{Plan: frag, RootID: "User:u1"})
	require.True(t, res.OK)
	assert.Equal(map[string]any{"__typename": "User", "id": "u1", "email": "a@x"}, res.Data)
	assert.Contains(res.Dependencies, "User:u1")
}

func TestFingerprintNodesMixer(t *testing.T) {
	assert := assert.New(t)

	// Stable across calls, order-dependent, version-sensitive.
	assert.Equal(fingerprintNodes(1, []uint32{2, 3}), fingerprintNodes(1, []uint32{2, 3}))
	assert.NotEqual(fingerprintNodes(1, []uint32{2, 3}), fingerprintNodes(1, []uint32{3, 2}))
	assert.NotEqual(fingerprintNodes(1, []uint32{2, 3}), fingerprintNodes(2, []uint32{2, 3}))
	assert.NotEqual(fingerprintNodes(0, nil), uint32(0))
}
