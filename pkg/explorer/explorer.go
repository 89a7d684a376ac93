// Package explorer discovers and ranks alternative strategies for a failed
// operation, excluding blacklisted candidates.
package explorer

import (
	"context"
	"sort"

	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/types"
)

// DefaultMaxResults bounds the alternatives returned per discovery
const DefaultMaxResults = 3

// HistoryStore is the slice of the failure store the explorer consults
type HistoryStore interface {
	IsBlacklisted(ctx context.Context, operationKey, strategyID string) (bool, error)
	StrategyStats(ctx context.Context, operationKey string) (map[string]types.StrategyStats, error)
}

// Explorer ranks catalog alternatives by observed performance
type Explorer struct {
	catalog types.Catalog
	store   HistoryStore
	logger  *logging.Logger
}

// New creates an explorer over the given catalog and failure history
func New(catalog types.Catalog, store HistoryStore) *Explorer {
	return &Explorer{
		catalog: catalog,
		store:   store,
		logger:  logging.GetLogger(),
	}
}

type candidate struct {
	descriptor types.StrategyDescriptor
	stats      types.StrategyStats
	observed   bool
}

// DiscoverAlternatives returns up to maxResults alternative strategies for
// an operation, excluding the failed strategy and any blacklisted ones.
// Ranking: historical success rate descending, then lower observed average
// latency, then catalog-declared preference. An empty result is not an
// error: it means standard strategies are exhausted.
func (e *Explorer) DiscoverAlternatives(ctx context.Context, operationKey, failedStrategyID string, maxResults int) ([]types.Strategy, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	descriptors := e.catalog.LookupAlternatives(operationKey)
	if len(descriptors) == 0 {
		return []types.Strategy{}, nil
	}

	stats, err := e.store.StrategyStats(ctx, operationKey)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(descriptors))
	for _, d := range descriptors {
		if d.ID == failedStrategyID {
			continue
		}

		blacklisted, err := e.store.IsBlacklisted(ctx, operationKey, d.ID)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			e.logger.Debug("Skipping blacklisted strategy",
				"operation_key", operationKey,
				"strategy_id", d.ID,
			)
			continue
		}

		c := candidate{descriptor: d}
		if st, ok := stats[d.ID]; ok {
			c.stats = st
			c.observed = true
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		ra, rb := a.stats.SuccessRate(), b.stats.SuccessRate()
		if ra != rb {
			return ra > rb
		}
		// Observed latency only compares when both candidates have history.
		if a.observed && b.observed && a.stats.AvgLatency != b.stats.AvgLatency {
			return a.stats.AvgLatency < b.stats.AvgLatency
		}
		return a.descriptor.Preference < b.descriptor.Preference
	})

	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	strategies := make([]types.Strategy, 0, len(candidates))
	for rank, c := range candidates {
		strategies = append(strategies, types.Strategy{
			ID:           c.descriptor.ID,
			OperationKey: operationKey,
			Executor:     c.descriptor.Executor,
			Rank:         rank,
			Metadata:     c.descriptor.Metadata,
		})
	}
	return strategies, nil
}
