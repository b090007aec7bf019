package store

import (
	"sort"
	"strings"
	"sync"

	"dario.cat/mergo"
	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"
)

// RootID is the synthetic root record for queries.
const RootID = "@"

const recordTableName = "record"

var recordTableSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		recordTableName: {
			Name: recordTableName,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

// recordRow is the memdb row. Rows are immutable once inserted; every write
// replaces the row wholesale.
type recordRow struct {
	ID      string
	Fields  Record
	Version uint64
}

const unexpectedType = "unexpected type found"

// Store is the flat record table. It is the sole owner of records: only Put,
// Replace and Remove mutate, and reads return live references that callers
// must not modify.
type Store struct {
	mu sync.Mutex

	db    *memdb.MemDB
	clock uint64

	pending   map[string]struct{}
	scheduled bool
	inFlush   bool

	onChange func(map[string]struct{})
	schedule Scheduler
	logger   *zap.Logger
}

// Scheduler defers a flush to the next batching boundary. The store schedules
// at most one flush at a time.
type Scheduler func(flush func())

// GoroutineScheduler runs the flush on a fresh goroutine. Hosts with a real
// run loop should supply their own Scheduler instead.
func GoroutineScheduler(flush func()) {
	go flush()
}

// Options configures a Store.
type Options struct {
	// OnChange receives the drained pending set on every flush.
	OnChange func(touched map[string]struct{})
	// Schedule defers the coalesced flush. Defaults to GoroutineScheduler.
	Schedule Scheduler
	Logger   *zap.Logger
}

// New creates an empty Store.
func New(opts Options) *Store {
	db, err := memdb.NewMemDB(recordTableSchema)
	if err != nil {
		// The schema is static; this cannot fail at runtime.
		panic(err)
	}
	if opts.Schedule == nil {
		opts.Schedule = GoroutineScheduler
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		pending:  make(map[string]struct{}),
		onChange: opts.OnChange,
		schedule: opts.Schedule,
		logger:   opts.Logger,
	}
}

func (s *Store) row(txn *memdb.Txn, recordID string) *recordRow {
	raw, err := txn.First(recordTableName, "id", recordID)
	if err != nil || raw == nil {
		return nil
	}
	row, ok := raw.(*recordRow)
	if !ok {
		panic(unexpectedType)
	}
	return row
}

// Get returns the record stored under recordID. The returned record is live;
// callers must not mutate it.
func (s *Store) Get(recordID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	defer txn.Abort()
	row := s.row(txn, recordID)
	if row == nil {
		return nil, false
	}
	return row.Fields, true
}

// Version returns the record's version, or 0 when absent.
func (s *Store) Version(recordID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	defer txn.Abort()
	row := s.row(txn, recordID)
	if row == nil {
		return 0
	}
	return row.Version
}

// Put merges patch into the record under recordID, creating it if absent.
// The version bumps only when the merged record differs from the current one.
// Writing into the root record additionally marks a "@.<field>" sentinel per
// patched field so root-link watchers can be targeted precisely.
func (s *Store) Put(recordID string, patch Record) {
	if recordID == "" || len(patch) == 0 {
		return
	}
	s.mu.Lock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	prev := s.row(txn, recordID)
	var merged Record
	if prev == nil {
		merged = make(Record, len(patch))
	} else {
		merged = prev.Fields.Clone()
	}
	for k, v := range patch {
		if k == "id" {
			v = normalizeID(v)
		}
		merged[k] = mergeField(merged[k], v)
	}
	if prev != nil && prev.Fields.Equal(merged) {
		s.mu.Unlock()
		return
	}

	s.clock++
	if err := txn.Insert(recordTableName, &recordRow{ID: recordID, Fields: merged, Version: s.clock}); err != nil {
		panic(err)
	}
	txn.Commit()

	needFlush := s.markPending(recordID)
	if recordID == RootID {
		for k := range patch {
			if s.markPending(RootID + "." + k) {
				needFlush = true
			}
		}
	}
	s.mu.Unlock()
	if needFlush {
		s.schedule(s.Flush)
	}
}

// mergeField combines an existing field value with an incoming one. Inline
// maps deep-merge; links and scalars replace.
func mergeField(existing, incoming any) any {
	existingMap, eok := asPlainMap(existing)
	incomingMap, iok := asPlainMap(incoming)
	if !eok || !iok {
		return cloneValue(incoming)
	}
	dst := make(map[string]any, len(existingMap))
	for k, v := range existingMap {
		dst[k] = cloneValue(v)
	}
	src, _ := cloneValue(incomingMap).(map[string]any)
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return cloneValue(incoming)
	}
	return dst
}

func asPlainMap(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case Record:
		return map[string]any(tv), true
	case map[string]any:
		return tv, true
	}
	return nil, false
}

// Replace stores fields verbatim under recordID, discarding the previous
// record. Used for baseline restores and replace-mode writes.
func (s *Store) Replace(recordID string, fields Record) {
	if recordID == "" {
		return
	}
	s.mu.Lock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	next := fields.Clone()
	if v, ok := next["id"]; ok {
		next["id"] = normalizeID(v)
	}
	prev := s.row(txn, recordID)
	if prev != nil && prev.Fields.Equal(next) {
		s.mu.Unlock()
		return
	}
	s.clock++
	if err := txn.Insert(recordTableName, &recordRow{ID: recordID, Fields: next, Version: s.clock}); err != nil {
		panic(err)
	}
	txn.Commit()

	needFlush := s.markPending(recordID)
	if recordID == RootID {
		for k := range fields {
			if s.markPending(RootID + "." + k) {
				needFlush = true
			}
		}
	}
	s.mu.Unlock()
	if needFlush {
		s.schedule(s.Flush)
	}
}

// ReplaceMany restores a batch of records verbatim in deterministic order.
// Hydration and storage loads go through here.
func (s *Store) ReplaceMany(records map[string]Record) {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.Replace(id, records[id])
	}
}

// Remove deletes the record and its version.
func (s *Store) Remove(recordID string) {
	s.mu.Lock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	row := s.row(txn, recordID)
	if row == nil {
		s.mu.Unlock()
		return
	}
	if err := txn.Delete(recordTableName, row); err != nil {
		s.mu.Unlock()
		return
	}
	s.clock++
	txn.Commit()
	needFlush := s.markPending(recordID)
	s.mu.Unlock()
	if needFlush {
		s.schedule(s.Flush)
	}
}

// markPending requires s.mu held. It reports whether the caller must
// schedule a flush once the lock is released; the scheduler is never invoked
// under the lock so synchronous schedulers stay safe.
func (s *Store) markPending(recordID string) bool {
	s.pending[recordID] = struct{}{}
	if s.scheduled || s.inFlush {
		return false
	}
	s.scheduled = true
	return true
}

// Flush synchronously drains pending changes to the OnChange callback.
// Re-entrant calls are ignored.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.inFlush || len(s.pending) == 0 {
		s.scheduled = false
		s.mu.Unlock()
		return
	}
	s.inFlush = true
	touched := s.pending
	s.pending = make(map[string]struct{})
	s.scheduled = false
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(touched)
	}

	s.mu.Lock()
	s.inFlush = false
	rearm := len(s.pending) > 0 && !s.scheduled
	if rearm {
		s.scheduled = true
	}
	s.mu.Unlock()
	if rearm {
		s.schedule(s.Flush)
	}
}

// Keys returns all record ids, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(recordTableName, "id")
	if err != nil {
		return nil
	}
	var keys []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		keys = append(keys, raw.(*recordRow).ID)
	}
	sort.Strings(keys)
	return keys
}

// EvictAll drops every record. Versions do not survive eviction.
func (s *Store) EvictAll() {
	s.mu.Lock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(recordTableName, "id")
	if err != nil {
		s.mu.Unlock()
		return
	}
	var rows []*recordRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*recordRow))
	}
	for _, row := range rows {
		if err := txn.Delete(recordTableName, row); err != nil {
			s.mu.Unlock()
			return
		}
	}
	txn.Commit()
	needFlush := false
	for _, row := range rows {
		if s.markPending(row.ID) {
			needFlush = true
		}
	}
	s.mu.Unlock()
	if needFlush {
		s.schedule(s.Flush)
	}
}

// Inspect returns a deep copy of every record keyed by id.
func (s *Store) Inspect() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	defer txn.Abort()

	out := make(map[string]Record)
	it, err := txn.Get(recordTableName, "id")
	if err != nil {
		return out
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*recordRow)
		out[row.ID] = row.Fields.Clone()
	}
	return out
}

// KeysWithPrefix returns all record ids under the given prefix, sorted.
func (s *Store) KeysWithPrefix(prefix string) []string {
	var out []string
	for _, k := range s.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
