// Package optimistic layers reversible entity and connection edits over the
// store, with commit, revert, and replay above canonical writes.
package optimistic

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Phase tells a builder whether it runs optimistically or at commit.
type Phase string

const (
	PhaseApply  Phase = "apply"
	PhaseCommit Phase = "commit"
)

// BuilderFunc records a transaction's edits. It runs once on apply and once
// more at commit; replay re-applies the recorded ops without calling it.
type BuilderFunc func(tx *Tx)

// entityBaseline is the pre-layer state of a touched record.
type entityBaseline struct {
	existed bool
	fields  store.Record
}

// valueBaseline is the pre-op state of one shallow field.
type valueBaseline struct {
	existed bool
	value   any
}

// Layer is one recorded optimistic transaction.
type Layer struct {
	id    uint64
	build BuilderFunc

	committed bool
	reverted  bool

	touched    map[string]struct{}
	entityBase map[string]*entityBaseline

	entityOps []*entityOp
	connOps   []*connOp
}

type entityOp struct {
	kind   string // "write" | "delete"
	target string
	delta  store.Record
	fn     func(current store.Record) store.Record
	mode   string // "merge" | "replace"
}

type connOp struct {
	kind string // "add" | "remove" | "patch"
	ck   string

	// add inputs
	node        map[string]any
	edgeScalars map[string]any
	position    string
	anchorID    string
	cursor      string

	// remove inputs
	nodeID string

	// patch inputs
	delta map[string]any

	// undo state, refreshed on every (re)apply
	applied       bool
	edgeID        string
	insertPos     int
	removedEdgeID string
	removedPos    int
	removedCursor string
	indexExisted  bool
	patchBase     map[string]*valueBaseline
	pageInfoBase  map[string]*valueBaseline
}

// Manager owns the pending layer sequence.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	ident  *identity.Registry
	canon  *canonical.Canonical
	logger *zap.Logger

	nextID uint64
	layers []*Layer
}

// New builds a Manager.
func New(s *store.Store, ident *identity.Registry, canon *canonical.Canonical, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, ident: ident, canon: canon, logger: logger}
}

// Handle controls one applied layer.
type Handle struct {
	m     *Manager
	layer *Layer
}

// Apply runs the builder optimistically and returns its handle.
func (m *Manager) Apply(build BuilderFunc) *Handle {
	m.mu.Lock()
	m.nextID++
	layer := &Layer{
		id:         m.nextID,
		build:      build,
		touched:    make(map[string]struct{}),
		entityBase: make(map[string]*entityBaseline),
	}
	m.layers = append(m.layers, layer)
	m.mu.Unlock()

	tx := &Tx{m: m, layer: layer, phase: PhaseApply}
	build(tx)
	return &Handle{m: m, layer: layer}
}

// Commit reverts the layer's optimistic writes, then re-runs the builder in
// commit phase against the live store with no recording. data is handed to
// the builder through Tx.Data.
func (h *Handle) Commit(data any) {
	h.m.mu.Lock()
	layer := h.layer
	if layer.committed || layer.reverted {
		h.m.mu.Unlock()
		return
	}
	layer.committed = true
	h.m.detach(layer)
	h.m.mu.Unlock()

	h.m.undo(layer)
	tx := &Tx{m: h.m, phase: PhaseCommit, data: data}
	layer.build(tx)
}

// Revert undoes the layer. Reverting after commit is a no-op.
func (h *Handle) Revert() {
	h.m.mu.Lock()
	layer := h.layer
	if layer.committed || layer.reverted {
		h.m.mu.Unlock()
		return
	}
	layer.reverted = true
	h.m.detach(layer)
	h.m.mu.Unlock()

	h.m.undo(layer)
}

// detach requires m.mu held.
func (m *Manager) detach(layer *Layer) {
	for i, l := range m.layers {
		if l == layer {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

// undo reverses a layer: connection ops in reverse order, then entity
// baselines restored verbatim.
func (m *Manager) undo(layer *Layer) {
	for i := len(layer.connOps) - 1; i >= 0; i-- {
		m.undoConnOp(layer.connOps[i])
	}
	ids := make([]string, 0, len(layer.entityBase))
	for id := range layer.entityBase {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		base := layer.entityBase[id]
		if base.existed {
			m.store.Replace(id, base.fields)
		} else {
			m.store.Remove(id)
		}
	}
}

// Replay re-applies all pending layers in ascending id order, scoped by
// hint. Entity ops run before connection ops within each layer.
func (m *Manager) Replay(hint canonical.ReplayHint) {
	m.mu.Lock()
	layers := make([]*Layer, len(m.layers))
	copy(layers, m.layers)
	m.mu.Unlock()

	for _, layer := range layers {
		tx := &Tx{m: m, layer: layer, phase: PhaseApply, replaying: true}
		for _, op := range layer.entityOps {
			if !hintMatchesEntity(hint, op.target) {
				continue
			}
			tx.applyEntityOp(op)
		}
		for _, op := range layer.connOps {
			if !hintMatchesConnection(hint, op.ck) {
				continue
			}
			tx.applyConnOp(op)
		}
	}
}

func hintMatchesEntity(hint canonical.ReplayHint, target string) bool {
	if len(hint.Connections) == 0 && len(hint.Entities) == 0 {
		return true
	}
	for _, id := range hint.Entities {
		if id == target {
			return true
		}
	}
	return false
}

func hintMatchesConnection(hint canonical.ReplayHint, ck string) bool {
	if len(hint.Connections) == 0 && len(hint.Entities) == 0 {
		return true
	}
	for _, key := range hint.Connections {
		if key == ck {
			return true
		}
	}
	return false
}

// PendingCount reports how many layers are unresolved.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.layers)
}
