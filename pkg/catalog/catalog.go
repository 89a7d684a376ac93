// Package catalog provides an in-memory strategy catalog: a read-only
// lookup of alternative strategies per operation class.
package catalog

import (
	"sort"
	"sync"

	"github.com/rebound-engine/rebound/pkg/types"
)

// Catalog is a concurrency-safe in-memory implementation of types.Catalog.
// Registration happens at wiring time; lookups are read-only.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string][]types.StrategyDescriptor
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{
		entries: make(map[string][]types.StrategyDescriptor),
	}
}

// Register adds an alternative strategy for an operation key. Registering
// an existing strategy ID replaces the prior descriptor.
func (c *Catalog) Register(operationKey string, descriptor types.StrategyDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entries[operationKey]
	for i, existing := range list {
		if existing.ID == descriptor.ID {
			list[i] = descriptor
			return
		}
	}
	c.entries[operationKey] = append(list, descriptor)
}

// LookupAlternatives implements types.Catalog. Results are ordered by
// declared preference (lower first) and are safe for the caller to modify.
func (c *Catalog) LookupAlternatives(operationKey string) []types.StrategyDescriptor {
	c.mu.RLock()
	list := c.entries[operationKey]
	out := make([]types.StrategyDescriptor, len(list))
	copy(out, list)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Preference < out[j].Preference
	})
	return out
}
