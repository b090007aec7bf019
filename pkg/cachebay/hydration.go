package cachebay

import (
	"time"

	"github.com/lockvoid/cachebay/pkg/store"
)

// Snapshot is the portable persisted form: recordId → record, sidecars
// included. Values are primitives, arrays, {__ref}, {__refs} and opaque
// scalar objects; it round-trips byte-exactly through Dehydrate/Hydrate.
type Snapshot map[string]map[string]any

// SnapshotSource streams snapshot entries into Hydrate one at a time, for
// hosts that read persisted records incrementally instead of holding the
// whole mapping. Yield until exhausted or until yield returns false.
type SnapshotSource func(yield func(recordID string, fields map[string]any) bool)

type hydrationState struct {
	hydrating  bool
	hydratedAt time.Time
}

// Dehydrate captures the full record set.
func (c *Client) Dehydrate() Snapshot {
	records := c.store.Inspect()
	out := make(Snapshot, len(records))
	for recordID, rec := range records {
		out[recordID] = map[string]any(rec)
	}
	return out
}

// Hydrate restores a snapshot, replacing any records it names, and opens the
// hydration window during which complete cached reads suppress refetching.
func (c *Client) Hydrate(snapshot Snapshot) {
	c.beginHydration()
	records := make(map[string]store.Record, len(snapshot))
	for recordID, fields := range snapshot {
		records[recordID] = store.ReviveRecord(fields)
	}
	c.store.ReplaceMany(records)
	c.endHydration()
}

// HydrateFrom is the streaming form of Hydrate: it drains emit and restores
// each yielded record. The hydration window opens once the source is
// exhausted.
func (c *Client) HydrateFrom(emit SnapshotSource) {
	c.beginHydration()
	records := make(map[string]store.Record)
	emit(func(recordID string, fields map[string]any) bool {
		records[recordID] = store.ReviveRecord(fields)
		return true
	})
	c.store.ReplaceMany(records)
	c.endHydration()
}

func (c *Client) beginHydration() {
	c.mu.Lock()
	c.hydration.hydrating = true
	c.mu.Unlock()
}

func (c *Client) endHydration() {
	c.mu.Lock()
	c.hydration.hydrating = false
	c.hydration.hydratedAt = time.Now()
	c.mu.Unlock()
}

// IsHydrating reports whether a Hydrate call is in progress.
func (c *Client) IsHydrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydration.hydrating
}
