// Package cachebay wires the normalized cache together: store, identity,
// canonical connections, normalizer, materializer, optimistic layers and
// watchers, behind one client surface.
package cachebay

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lockvoid/cachebay/pkg/canonical"
	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/materialize"
	"github.com/lockvoid/cachebay/pkg/normalize"
	"github.com/lockvoid/cachebay/pkg/optimistic"
	"github.com/lockvoid/cachebay/pkg/plan"
	"github.com/lockvoid/cachebay/pkg/storage"
	"github.com/lockvoid/cachebay/pkg/store"
	"github.com/lockvoid/cachebay/pkg/watch"
)

// Client is the engine facade.
type Client struct {
	cfg    Config
	logger *zap.Logger

	store *store.Store
	ident *identity.Registry
	canon *canonical.Canonical
	norm  *normalize.Normalizer
	mat   *materialize.Materializer
	opt   *optimistic.Manager
	hub   *watch.Hub

	flights singleflight.Group

	mu        sync.Mutex
	storage   storage.Adapter
	hydration hydrationState
	disposed  bool
}

// New constructs a Client. Configuration problems surface synchronously.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, logger: cfg.Logger}

	schedule := cfg.Schedule
	if schedule == nil {
		schedule = store.GoroutineScheduler
	}
	c.store = store.New(store.Options{
		OnChange: c.onChange,
		Schedule: schedule,
		Logger:   cfg.Logger,
	})
	c.ident = identity.New(identity.Options{
		Keys:       cfg.Keys,
		Interfaces: cfg.Interfaces,
		Logger:     cfg.Logger,
	})
	c.canon = canonical.New(c.store, cfg.Logger)
	c.norm = normalize.New(c.store, c.ident, c.canon, cfg.Logger)
	c.mat = materialize.New(c.store, c.ident, cfg.Logger)
	c.opt = optimistic.New(c.store, c.ident, c.canon, cfg.Logger)
	c.canon.SetReplay(c.opt.Replay)
	c.hub = watch.NewHub(c.mat, schedule, cfg.Logger)

	if cfg.Storage != nil {
		adapter, err := cfg.Storage()
		if err != nil {
			return nil, err
		}
		c.storage = adapter
		if err := c.loadStorage(); err != nil {
			c.logger.Warn("loading persisted records failed", zap.Error(err))
		}
	}
	return c, nil
}

// onChange routes store flushes to watchers and mirrors deltas to storage.
func (c *Client) onChange(touched map[string]struct{}) {
	c.hub.InvalidateRecords(touched)

	c.mu.Lock()
	adapter := c.storage
	c.mu.Unlock()
	if adapter == nil {
		return
	}
	for recordID := range touched {
		if rec, ok := c.store.Get(recordID); ok {
			if err := adapter.Put(recordID, rec.Clone()); err != nil {
				c.logger.Warn("persisting record failed", zap.String("record", recordID), zap.Error(err))
			}
		} else if err := adapter.Remove(recordID); err != nil {
			c.logger.Warn("removing persisted record failed", zap.String("record", recordID), zap.Error(err))
		}
	}
	if err := adapter.FlushJournal(); err != nil {
		c.logger.Warn("flushing storage journal failed", zap.Error(err))
	}
}

func (c *Client) loadStorage() error {
	persisted, err := c.storage.Load()
	if err != nil {
		return err
	}
	records := make(map[string]store.Record, len(persisted))
	for recordID, fields := range persisted {
		records[recordID] = store.ReviveRecord(fields)
	}
	c.store.ReplaceMany(records)
	return nil
}

// checkDisposed gates operations that must fail after Dispose.
func (c *Client) checkDisposed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	return nil
}

// Identify derives the record id for a typed value, or "".
func (c *Client) Identify(value map[string]any) string {
	return c.ident.Identify(value)
}

// Store exposes the underlying record store for advanced callers.
func (c *Client) Store() *store.Store { return c.store }

// QueryRequest addresses a query read or write.
type QueryRequest struct {
	Query     *plan.Plan
	Variables map[string]any
	// Data is the tree to write for WriteQuery.
	Data map[string]any
}

// ReadQuery materializes a query from the cache, or returns nil on a miss.
func (c *Client) ReadQuery(req QueryRequest) map[string]any {
	res := c.mat.Materialize(materialize.Request{
		Plan:      req.Query,
		Variables: req.Variables,
		Canonical: true,
	})
	if !res.OK {
		return nil
	}
	return res.Data
}

// WriteQuery normalizes data into the cache as if it arrived for the query.
func (c *Client) WriteQuery(req QueryRequest) {
	c.norm.Normalize(req.Query, req.Variables, req.Data, "")
}

// FragmentRequest addresses a fragment read or write on one entity.
type FragmentRequest struct {
	ID        string
	Fragment  *plan.Plan
	Variables map[string]any
	Data      map[string]any
}

// ReadFragment materializes a fragment from the cache, or nil on a miss.
func (c *Client) ReadFragment(req FragmentRequest) map[string]any {
	res := c.mat.Materialize(materialize.Request{
		Plan:      req.Fragment,
		Variables: req.Variables,
		Canonical: true,
		RootID:    req.ID,
	})
	if !res.OK {
		return nil
	}
	return res.Data
}

// WriteFragment normalizes data beneath one entity.
func (c *Client) WriteFragment(req FragmentRequest) {
	c.norm.Normalize(req.Fragment, req.Variables, req.Data, req.ID)
}

// WatchQueryOptions configures a query watcher.
type WatchQueryOptions struct {
	Query     *plan.Plan
	Variables map[string]any
	OnData    func(data map[string]any)
	OnError   func(err error)
	Immediate bool
}

// WatchQuery registers a query watcher.
func (c *Client) WatchQuery(opts WatchQueryOptions) *watch.Subscription {
	return c.hub.Watch(watch.Options{
		Plan:      opts.Query,
		Variables: opts.Variables,
		OnData:    opts.OnData,
		OnError:   opts.OnError,
		Immediate: opts.Immediate,
	})
}

// WatchFragmentOptions configures a fragment watcher.
type WatchFragmentOptions struct {
	ID        string
	Fragment  *plan.Plan
	Variables map[string]any
	OnData    func(data map[string]any)
	OnError   func(err error)
	Immediate bool
}

// WatchFragment registers a fragment watcher on one entity.
func (c *Client) WatchFragment(opts WatchFragmentOptions) *watch.Subscription {
	return c.hub.Watch(watch.Options{
		Plan:      opts.Fragment,
		Variables: opts.Variables,
		RootID:    opts.ID,
		OnData:    opts.OnData,
		OnError:   opts.OnError,
		Immediate: opts.Immediate,
	})
}

// ModifyOptimistic applies a layered optimistic transaction.
func (c *Client) ModifyOptimistic(build optimistic.BuilderFunc) *optimistic.Handle {
	return c.opt.Apply(build)
}

// Flush synchronously drains pending change notifications, for
// read-after-write call sites.
func (c *Client) Flush() {
	c.store.Flush()
	c.hub.Drain()
}

// Inspect returns a deep copy of every record, for debugging.
func (c *Client) Inspect() map[string]store.Record {
	return c.store.Inspect()
}

// EvictAll drops every record, watcher caches included. With storage
// configured the persisted set is evicted as well.
func (c *Client) EvictAll() error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	c.mat.InvalidateAll()
	c.store.EvictAll()

	c.mu.Lock()
	adapter := c.storage
	c.mu.Unlock()
	if adapter != nil {
		return adapter.EvictAll()
	}
	return nil
}

// Dispose releases the client and its storage adapter.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	adapter := c.storage
	c.storage = nil
	c.mu.Unlock()

	c.mat.InvalidateAll()
	if adapter != nil {
		return adapter.Dispose()
	}
	return nil
}
