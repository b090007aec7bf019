package cachebay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/identity"
	"github.com/lockvoid/cachebay/pkg/storage"
	"github.com/lockvoid/cachebay/pkg/store"
)

// CachePolicy controls how reads balance cache and network.
type CachePolicy string

const (
	CacheAndNetwork CachePolicy = "cache-and-network"
	NetworkOnly     CachePolicy = "network-only"
	CacheFirst      CachePolicy = "cache-first"
	CacheOnly       CachePolicy = "cache-only"
)

var validPolicies = map[CachePolicy]struct{}{
	CacheAndNetwork: {},
	NetworkOnly:     {},
	CacheFirst:      {},
	CacheOnly:       {},
}

// Config configures a Client.
type Config struct {
	// Keys maps type names to id functions; see identity.Keyer.
	Keys map[string]identity.Keyer
	// Interfaces maps interface names to implementer type names.
	Interfaces map[string][]string
	// CachePolicy defaults to cache-and-network.
	CachePolicy CachePolicy
	// SuspensionTimeout bounds how long a fetch may stay suspended.
	SuspensionTimeout time.Duration
	// HydrationTimeout is the window after Hydrate during which complete
	// cached reads suppress refetching.
	HydrationTimeout time.Duration
	// Transport provides the network functions; nil for cache-only hosts.
	Transport *Transport
	// Storage optionally yields a persistence adapter driven with deltas.
	Storage func() (storage.Adapter, error)
	// Schedule defers coalesced flushes; defaults to a goroutine hop.
	Schedule store.Scheduler
	Logger   *zap.Logger
}

func (c *Config) validate() error {
	if c.CachePolicy == "" {
		c.CachePolicy = CacheAndNetwork
	}
	if _, ok := validPolicies[c.CachePolicy]; !ok {
		return fmt.Errorf("unknown cache policy %q: %w", c.CachePolicy, ErrConfiguration)
	}
	if c.Transport != nil && c.Transport.HTTP == nil {
		return fmt.Errorf("transport requires an http function: %w", ErrConfiguration)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
