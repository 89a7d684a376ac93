package explorer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebound-engine/rebound/pkg/catalog"
	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/store"
	"github.com/rebound-engine/rebound/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(&config.StoreConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "explorer-test.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func noopInvoker() types.Invoker {
	return types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, nil
	})
}

func recordOutcome(t *testing.T, s *store.Store, key, strategy string, outcome types.AttemptOutcome, latency time.Duration) {
	t.Helper()
	rec := &types.AttemptRecord{
		OperationKey: key,
		StrategyID:   strategy,
		StartTime:    time.Now(),
		Duration:     latency,
		Outcome:      outcome,
	}
	if outcome == types.OutcomeError {
		rec.ErrorKind = errors.KindNetwork
		rec.ErrorMessage = "timeout"
	}
	require.NoError(t, s.Record(context.Background(), rec))
}

func TestExplorer_EmptyCatalog(t *testing.T) {
	s := newTestStore(t)
	e := New(catalog.New(), s)

	alts, err := e.DiscoverAlternatives(context.Background(), "op", "primary", 3)
	require.NoError(t, err)
	assert.Empty(t, alts, "no eligible alternative is an empty list, not an error")
}

func TestExplorer_ExcludesFailedStrategy(t *testing.T) {
	s := newTestStore(t)
	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "primary", Preference: 0, Executor: noopInvoker()})
	c.Register("op", types.StrategyDescriptor{ID: "backup", Preference: 1, Executor: noopInvoker()})

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(context.Background(), "op", "primary", 3)
	require.NoError(t, err)

	require.Len(t, alts, 1)
	assert.Equal(t, "backup", alts[0].ID)
}

func TestExplorer_ExcludesBlacklisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "a", Preference: 0, Executor: noopInvoker()})
	c.Register("op", types.StrategyDescriptor{ID: "b", Preference: 1, Executor: noopInvoker()})

	require.NoError(t, s.Blacklist(ctx, "op", "b", "repeated failures", 2))

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(ctx, "op", "primary", 3)
	require.NoError(t, err)

	require.Len(t, alts, 1)
	assert.Equal(t, "a", alts[0].ID)
}

func TestExplorer_RanksBySuccessRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "flaky", Preference: 0, Executor: noopInvoker()})
	c.Register("op", types.StrategyDescriptor{ID: "solid", Preference: 1, Executor: noopInvoker()})

	recordOutcome(t, s, "op", "flaky", types.OutcomeError, 10*time.Millisecond)
	recordOutcome(t, s, "op", "flaky", types.OutcomeSuccess, 10*time.Millisecond)
	recordOutcome(t, s, "op", "solid", types.OutcomeSuccess, 10*time.Millisecond)
	recordOutcome(t, s, "op", "solid", types.OutcomeSuccess, 10*time.Millisecond)

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(ctx, "op", "primary", 3)
	require.NoError(t, err)

	require.Len(t, alts, 2)
	assert.Equal(t, "solid", alts[0].ID, "higher success rate ranks first despite lower preference")
	assert.Equal(t, "flaky", alts[1].ID)
	assert.Equal(t, 0, alts[0].Rank)
	assert.Equal(t, 1, alts[1].Rank)
}

func TestExplorer_LatencyBreaksRateTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "slow", Preference: 0, Executor: noopInvoker()})
	c.Register("op", types.StrategyDescriptor{ID: "fast", Preference: 1, Executor: noopInvoker()})

	recordOutcome(t, s, "op", "slow", types.OutcomeSuccess, 500*time.Millisecond)
	recordOutcome(t, s, "op", "fast", types.OutcomeSuccess, 20*time.Millisecond)

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(ctx, "op", "primary", 3)
	require.NoError(t, err)

	require.Len(t, alts, 2)
	assert.Equal(t, "fast", alts[0].ID)
}

func TestExplorer_PreferenceBreaksFullTies(t *testing.T) {
	s := newTestStore(t)

	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "second-choice", Preference: 2, Executor: noopInvoker()})
	c.Register("op", types.StrategyDescriptor{ID: "first-choice", Preference: 1, Executor: noopInvoker()})

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(context.Background(), "op", "primary", 3)
	require.NoError(t, err)

	require.Len(t, alts, 2)
	assert.Equal(t, "first-choice", alts[0].ID)
}

func TestExplorer_MaxResults(t *testing.T) {
	s := newTestStore(t)

	c := catalog.New()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		c.Register("op", types.StrategyDescriptor{ID: id, Executor: noopInvoker()})
	}

	e := New(c, s)
	alts, err := e.DiscoverAlternatives(context.Background(), "op", "primary", 0)
	require.NoError(t, err)
	assert.Len(t, alts, DefaultMaxResults, "zero maxResults falls back to the default cap")
}

func TestCatalog_RegisterReplacesByID(t *testing.T) {
	c := catalog.New()
	c.Register("op", types.StrategyDescriptor{ID: "a", Preference: 5})
	c.Register("op", types.StrategyDescriptor{ID: "a", Preference: 1})

	descriptors := c.LookupAlternatives("op")
	require.Len(t, descriptors, 1)
	assert.Equal(t, 1, descriptors[0].Preference)
}
