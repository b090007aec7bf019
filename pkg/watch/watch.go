// Package watch maintains query and fragment watchers: a dependency index
// over record ids, microtask-coalesced dispatch, signature-keyed network
// fan-out, and structural recycling between successive snapshots.
package watch

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/materialize"
	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/store"
)

// Options configures one watcher.
type Options struct {
	Plan      *plan.Plan
	Variables map[string]any
	// RootID targets a fragment watcher at an entity; empty for queries.
	RootID    string
	OnData    func(data map[string]any)
	OnError   func(err error)
	Immediate bool
}

// UpdateOptions retargets an existing watcher.
type UpdateOptions struct {
	Variables map[string]any
	// RootID moves a fragment watcher to another entity; empty keeps it.
	RootID    string
	Immediate bool
}

type watcher struct {
	id        string
	plan      *plan.Plan
	vars      map[string]any
	rootID    string
	signature string

	deps     map[string]struct{}
	lastData map[string]any
	lastFP   *materialize.FPNode
	hasLast  bool
	skipNext bool

	onData  func(data map[string]any)
	onError func(err error)
}

// Hub owns every watcher and the two indexes that route changes to them.
type Hub struct {
	mu sync.Mutex

	mat      *materialize.Materializer
	schedule store.Scheduler
	logger   *zap.Logger

	watchers map[string]*watcher
	depIndex map[string]map[string]struct{}
	sigIndex map[string]map[string]struct{}

	pending   map[string]struct{}
	scheduled bool
}

// NewHub builds a Hub.
func NewHub(mat *materialize.Materializer, schedule store.Scheduler, logger *zap.Logger) *Hub {
	if schedule == nil {
		schedule = store.GoroutineScheduler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		mat:      mat,
		schedule: schedule,
		logger:   logger,
		watchers: make(map[string]*watcher),
		depIndex: make(map[string]map[string]struct{}),
		sigIndex: make(map[string]map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Subscription controls one registered watcher.
type Subscription struct {
	hub *Hub
	id  string
}

func signatureFor(p *plan.Plan, vars map[string]any, rootID string) string {
	sig := p.MakeSignature(true, vars)
	if rootID != "" {
		sig += "|" + rootID
	}
	return sig
}

func (h *Hub) request(w *watcher, preferCache bool) materialize.Request {
	return materialize.Request{
		Plan:        w.plan,
		Variables:   w.vars,
		Canonical:   true,
		RootID:      w.rootID,
		Fingerprint: true,
		PreferCache: preferCache,
		UpdateCache: true,
	}
}

// Watch registers a watcher and, when immediate, emits the current snapshot.
func (h *Hub) Watch(opts Options) *Subscription {
	w := &watcher{
		id:        uuid.NewString(),
		plan:      opts.Plan,
		vars:      opts.Variables,
		rootID:    opts.RootID,
		signature: signatureFor(opts.Plan, opts.Variables, opts.RootID),
		deps:      make(map[string]struct{}),
		onData:    opts.OnData,
		onError:   opts.OnError,
	}

	res := h.mat.Materialize(h.request(w, true))

	h.mu.Lock()
	h.watchers[w.id] = w
	h.index(h.sigIndex, w.signature, w.id)
	// Even a failed read touched records; indexing those lets the write that
	// fills the gap re-trigger this watcher.
	h.setDeps(w, res.Dependencies)
	if res.OK {
		w.lastData = res.Data
		w.lastFP = res.Fingerprints
		w.hasLast = true
	}
	h.mu.Unlock()

	if opts.Immediate && res.OK && w.onData != nil {
		w.onData(res.Data)
	}
	return &Subscription{hub: h, id: w.id}
}

// index/unindex and setDeps require h.mu held.
func (h *Hub) index(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func (h *Hub) unindex(idx map[string]map[string]struct{}, key, id string) bool {
	set, ok := idx[key]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
		return true
	}
	return false
}

func (h *Hub) setDeps(w *watcher, deps map[string]struct{}) {
	for dep := range w.deps {
		if _, keep := deps[dep]; !keep {
			h.unindex(h.depIndex, dep, w.id)
		}
	}
	for dep := range deps {
		if _, had := w.deps[dep]; !had {
			h.index(h.depIndex, dep, w.id)
		}
	}
	w.deps = deps
}

// InvalidateRecords queues touched record ids for the next coalesced
// dispatch. Wired to the store's OnChange.
func (h *Hub) InvalidateRecords(touched map[string]struct{}) {
	h.mu.Lock()
	for id := range touched {
		h.pending[id] = struct{}{}
	}
	need := !h.scheduled && len(h.pending) > 0
	if need {
		h.scheduled = true
	}
	h.mu.Unlock()
	if need {
		h.schedule(h.Drain)
	}
}

// Drain re-materializes every watcher affected by pending changes and emits
// snapshots that structurally differ from the previous ones. Watchers fed by
// a signature fan-out in the same batch are skipped once.
func (h *Hub) Drain() {
	h.mu.Lock()
	touched := h.pending
	h.pending = make(map[string]struct{})
	h.scheduled = false

	affected := make(map[string]*watcher)
	for recordID := range touched {
		for id := range h.depIndex[recordID] {
			if w, ok := h.watchers[id]; ok {
				affected[id] = w
			}
		}
	}
	// The suppression flag lasts exactly one dispatch, affected or not.
	skipped := make(map[string]struct{})
	for id, w := range h.watchers {
		if w.skipNext {
			w.skipNext = false
			if _, ok := affected[id]; ok {
				skipped[id] = struct{}{}
			}
		}
	}
	h.mu.Unlock()

	for id, w := range affected {
		if _, skip := skipped[id]; skip {
			continue
		}
		h.refresh(w, true)
	}
}

// refresh re-materializes one watcher and emits when the snapshot changed.
func (h *Hub) refresh(w *watcher, emit bool) {
	res := h.mat.Materialize(h.request(w, false))
	if !res.OK {
		h.mu.Lock()
		h.setDeps(w, res.Dependencies)
		h.mu.Unlock()
		return
	}
	h.feed(w, res, emit)
}

// feed recycles a fresh result against the watcher's previous snapshot and
// emits unless the whole tree was reused. It reports whether it emitted.
func (h *Hub) feed(w *watcher, res *materialize.Result, emit bool) bool {
	h.mu.Lock()
	prevData, prevFP, hasLast := w.lastData, w.lastFP, w.hasLast
	h.mu.Unlock()

	nextData := res.Data
	changed := true
	if hasLast && prevFP != nil && res.Fingerprints != nil {
		if prevFP.FP == res.Fingerprints.FP {
			nextData = prevData
			changed = false
		} else {
			recycled, _ := recycleValue(prevData, prevFP, nextData, res.Fingerprints).(map[string]any)
			if recycled != nil {
				nextData = recycled
			}
		}
	}

	h.mu.Lock()
	w.lastData = nextData
	w.lastFP = res.Fingerprints
	w.hasLast = true
	h.setDeps(w, res.Dependencies)
	h.mu.Unlock()

	if emit && changed && w.onData != nil {
		w.onData(nextData)
		return true
	}
	return false
}

// NotifyData feeds an already-materialized network result to every watcher
// on a signature and suppresses their next dependency-driven dispatch. A
// drain is scheduled even when the result changed nothing so the suppression
// flags clear at the next batching boundary.
func (h *Hub) NotifyData(signature string, res *materialize.Result) {
	h.mu.Lock()
	var targets []*watcher
	for id := range h.sigIndex[signature] {
		if w, ok := h.watchers[id]; ok {
			targets = append(targets, w)
			w.skipNext = true
		}
	}
	need := len(targets) > 0 && !h.scheduled
	if need {
		h.scheduled = true
	}
	h.mu.Unlock()

	for _, w := range targets {
		h.feed(w, res, true)
	}
	if need {
		h.schedule(h.Drain)
	}
}

// NotifyError routes a network error to every watcher on a signature.
func (h *Hub) NotifyError(signature string, err error) {
	h.mu.Lock()
	var targets []*watcher
	for id := range h.sigIndex[signature] {
		if w, ok := h.watchers[id]; ok && w.onError != nil {
			targets = append(targets, w)
		}
	}
	h.mu.Unlock()

	for _, w := range targets {
		w.onError(err)
	}
}

// HasSignature reports whether any watcher listens on a signature.
func (h *Hub) HasSignature(signature string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sigIndex[signature]) > 0
}

// Unsubscribe removes the watcher; the last unsubscribe for a signature
// invalidates the corresponding materializer cache entry.
func (s *Subscription) Unsubscribe() {
	h := s.hub
	h.mu.Lock()
	w, ok := h.watchers[s.id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.watchers, s.id)
	for dep := range w.deps {
		h.unindex(h.depIndex, dep, w.id)
	}
	emptied := h.unindex(h.sigIndex, w.signature, w.id)
	h.mu.Unlock()

	if emptied {
		h.mat.Invalidate(h.request(w, false))
	}
}

// Update moves the watcher to new variables or a new fragment target.
func (s *Subscription) Update(opts UpdateOptions) {
	h := s.hub
	h.mu.Lock()
	w, ok := h.watchers[s.id]
	if !ok {
		h.mu.Unlock()
		return
	}
	oldReq := h.request(w, false)
	oldSig := w.signature

	if opts.Variables != nil {
		w.vars = opts.Variables
	}
	if opts.RootID != "" {
		w.rootID = opts.RootID
	}
	w.signature = signatureFor(w.plan, w.vars, w.rootID)
	if w.signature != oldSig {
		emptied := h.unindex(h.sigIndex, oldSig, w.id)
		h.index(h.sigIndex, w.signature, w.id)
		if emptied {
			defer h.mat.Invalidate(oldReq)
		}
	}
	h.mu.Unlock()

	res := h.mat.Materialize(h.request(w, true))
	if !res.OK {
		h.mu.Lock()
		h.setDeps(w, res.Dependencies)
		h.mu.Unlock()
		return
	}
	emitted := h.feed(w, res, true)
	if opts.Immediate && !emitted && w.onData != nil {
		h.mu.Lock()
		data := w.lastData
		h.mu.Unlock()
		w.onData(data)
	}
}

// Count reports the number of live watchers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}
