package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebound-engine/rebound/pkg/cache"
	"github.com/rebound-engine/rebound/pkg/config"
	apperrors "github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/parallel"
	"github.com/rebound-engine/rebound/pkg/types"
)

type fakeAnalyzer struct {
	mu        sync.Mutex
	failures  map[string]int
	successes map[string]int
	unstable  bool
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		failures:  make(map[string]int),
		successes: make(map[string]int),
	}
}

func (a *fakeAnalyzer) Classify(err error) apperrors.Kind {
	if stderrors.Is(err, context.Canceled) {
		return apperrors.KindCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindNetwork
	}
	return apperrors.KindOf(err)
}

func (a *fakeAnalyzer) RecordFailure(ctx context.Context, operationKey, strategyID string, err error, duration time.Duration, tags map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[operationKey+"|"+strategyID]++
	return nil
}

func (a *fakeAnalyzer) RecordSuccess(ctx context.Context, operationKey, strategyID string, duration time.Duration, tags map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes[operationKey+"|"+strategyID]++
	return nil
}

func (a *fakeAnalyzer) DetectInstability(ctx context.Context, operationKey string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unstable, nil
}

func (a *fakeAnalyzer) failureCount(operationKey, strategyID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures[operationKey+"|"+strategyID]
}

type fakeExplorer struct {
	alternatives []types.Strategy
}

func (e *fakeExplorer) DiscoverAlternatives(ctx context.Context, operationKey, failedStrategyID string, maxResults int) ([]types.Strategy, error) {
	if len(e.alternatives) > maxResults {
		return e.alternatives[:maxResults], nil
	}
	return e.alternatives, nil
}

type fakeCreative struct {
	strategy *types.Strategy
	err      error
	calls    int
}

func (c *fakeCreative) GenerateWorkaround(ctx context.Context, operationKey, taskContext string, failed []types.Strategy) (*types.Strategy, error) {
	c.calls++
	return c.strategy, c.err
}

type fakeStore struct{}

func (s *fakeStore) Analytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error) {
	return &types.AnalyticsSummary{OperationKey: operationKey}, nil
}

func (s *fakeStore) ClearBlacklist(ctx context.Context, operationKey, strategyID string) error {
	return nil
}

func testConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.PerStrategyTimeout = time.Second
	cfg.OperationTimeout = 10 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *fakeAnalyzer) {
	t.Helper()
	analyzer := newFakeAnalyzer()
	opts := Options{
		Config:   testConfig(),
		Analyzer: analyzer,
		Store:    &fakeStore{},
		Racer:    parallel.New(parallel.DefaultMaxParallel),
		Fallback: cache.NewMemoryCache(time.Minute),
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return eng, analyzer
}

func succeedingStrategy(id, key string, value interface{}) types.Strategy {
	return types.Strategy{
		ID:           id,
		OperationKey: key,
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return value, nil
		}),
	}
}

func failingStrategy(id, key string, err error) types.Strategy {
	return types.Strategy{
		ID:           id,
		OperationKey: key,
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, err
		}),
	}
}

func TestExecute_PrimarySucceedsFirstTry(t *testing.T) {
	eng, analyzer := newTestEngine(t, nil)

	result := eng.Execute(context.Background(),
		succeedingStrategy("api:v2", "weather-api", "sunny"), types.ExecutionOptions{})

	assert.True(t, result.Success)
	assert.Equal(t, "sunny", result.Value)
	assert.Equal(t, 1, result.AttemptsMade)
	assert.Equal(t, []string{"api:v2"}, result.StrategiesTried)
	assert.False(t, result.Degraded)
	assert.Equal(t, 1, analyzer.successes["weather-api|api:v2"])
}

func TestExecute_TransientFailureThenSuccess(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	var calls atomic.Int32
	flaky := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, apperrors.NewNetworkError("connection reset")
			}
			return "sunny", nil
		}),
	}

	result := eng.Execute(context.Background(), flaky, types.ExecutionOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.AttemptsMade)
}

func TestExecute_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	eng, analyzer := newTestEngine(t, nil)

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("host unreachable"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, 5, result.AttemptsMade)
	assert.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)
	assert.Equal(t, 5, analyzer.failureCount("weather-api", "api:v2"))

	// Next call is rejected without any attempt cost.
	result = eng.Execute(context.Background(), primary, types.ExecutionOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, apperrors.KindCircuitOpen, result.ErrorKind)
	assert.Equal(t, 0, result.AttemptsMade)
	assert.Contains(t, result.Summary, "OPEN")
}

func TestExecute_HalfOpenProbeInFlightRejectsAsCircuitOpen(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryTimeout = 20 * time.Millisecond
	eng, _ := newTestEngine(t, func(o *Options) { o.Config = cfg })

	// Trip the circuit.
	eng.Execute(context.Background(),
		failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("host unreachable")),
		types.ExecutionOptions{})
	require.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)

	time.Sleep(30 * time.Millisecond)

	// Occupy the single half-open probe slot with a blocked strategy.
	started := make(chan struct{})
	release := make(chan struct{})
	probe := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			close(started)
			<-release
			return "recovered", nil
		}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Execute(context.Background(), probe, types.ExecutionOptions{})
	}()
	<-started

	// Rejection mid-call must surface as circuit_open, not as an empty
	// exhaustion report.
	result := eng.Execute(context.Background(),
		failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("host unreachable")),
		types.ExecutionOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, apperrors.KindCircuitOpen, result.ErrorKind)
	assert.Equal(t, 0, result.AttemptsMade)
	assert.Contains(t, result.Summary, "rejected")

	close(release)
	wg.Wait()
}

func TestExecute_DegradedResultWhileCircuitOpen(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	// Prime the fallback cache with a success.
	result := eng.Execute(context.Background(),
		succeedingStrategy("api:v2", "weather-api", "sunny"),
		types.ExecutionOptions{CacheResult: true})
	require.True(t, result.Success)

	// Trip the circuit.
	primary := failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("host unreachable"))
	eng.Execute(context.Background(), primary, types.ExecutionOptions{})
	require.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)

	result = eng.Execute(context.Background(), primary, types.ExecutionOptions{})
	assert.True(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Equal(t, 0, result.AttemptsMade)
	assert.Contains(t, result.Summary, "stale result")
}

func TestExecute_NonRetryableSkipsBackoff(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	primary := failingStrategy("api:v2", "billing-api", apperrors.NewAuthenticationError("invalid token"))
	start := time.Now()
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.AttemptsMade)
	assert.Equal(t, apperrors.KindAuthentication, result.ErrorKind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_FallsBackToAlternative(t *testing.T) {
	explorer := &fakeExplorer{alternatives: []types.Strategy{
		succeedingStrategy("scrape:html", "weather-api", "cloudy"),
	}}
	eng, analyzer := newTestEngine(t, func(o *Options) { o.Explorer = explorer })

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewClientError("bad request"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})

	assert.True(t, result.Success)
	assert.Equal(t, "cloudy", result.Value)
	assert.Equal(t, []string{"api:v2", "scrape:html"}, result.StrategiesTried)
	assert.Equal(t, 1, analyzer.successes["weather-api|scrape:html"])
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, "api:v2", result.Errors[0].StrategyID)
}

func TestExecute_RacesAlternativesWhenRequested(t *testing.T) {
	slow := types.Strategy{
		ID:           "slow",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return "slow answer", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	}
	fast := succeedingStrategy("fast", "weather-api", "fast answer")

	explorer := &fakeExplorer{alternatives: []types.Strategy{slow, fast}}
	eng, _ := newTestEngine(t, func(o *Options) { o.Explorer = explorer })

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewClientError("bad request"))
	start := time.Now()
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{Parallel: true})

	assert.True(t, result.Success)
	assert.Equal(t, "fast answer", result.Value)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Contains(t, result.StrategiesTried, "slow")
	assert.Contains(t, result.StrategiesTried, "fast")
}

func TestExecute_CreativeLastResort(t *testing.T) {
	creative := &fakeCreative{
		strategy: &types.Strategy{
			ID:           "creative:weather-api",
			OperationKey: "weather-api",
			Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "novel answer", nil
			}),
		},
	}
	eng, _ := newTestEngine(t, func(o *Options) { o.Creative = creative })

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewClientError("bad request"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{TaskContext: "get the forecast"})

	assert.True(t, result.Success)
	assert.Equal(t, "novel answer", result.Value)
	assert.Equal(t, 1, creative.calls)
	assert.Contains(t, result.StrategiesTried, "creative:weather-api")
}

func TestExecute_CreativeSkippedWhileCircuitOpen(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 3
	creative := &fakeCreative{
		strategy: &types.Strategy{
			ID:           "creative:weather-api",
			OperationKey: "weather-api",
			Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "novel answer", nil
			}),
		},
	}
	eng, _ := newTestEngine(t, func(o *Options) {
		o.Config = cfg
		o.Creative = creative
	})

	// Three retryable failures trip the breaker mid-retry; the workaround's
	// execution would be rejected at admission, so no advisor call is made.
	primary := failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("host unreachable"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.AttemptsMade)
	assert.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)
	assert.Equal(t, 0, creative.calls)
}

func TestExecute_CreativeDisabled(t *testing.T) {
	creative := &fakeCreative{}
	eng, _ := newTestEngine(t, func(o *Options) { o.Creative = creative })

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewClientError("bad request"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{DisableCreative: true})

	assert.False(t, result.Success)
	assert.Equal(t, 0, creative.calls)
}

func TestExecute_ExhaustionReport(t *testing.T) {
	explorer := &fakeExplorer{alternatives: []types.Strategy{
		failingStrategy("scrape:html", "weather-api", apperrors.NewServerError("parse failed")),
	}}
	creative := &fakeCreative{err: apperrors.NewUnknownError("advisor unavailable")}
	eng, _ := newTestEngine(t, func(o *Options) {
		o.Explorer = explorer
		o.Creative = creative
	})

	primary := failingStrategy("api:v2", "weather-api", apperrors.NewClientError("bad request"))
	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, []string{"api:v2", "scrape:html"}, result.StrategiesTried)
	assert.Contains(t, result.Summary, "all 2 strategies failed")
	assert.Contains(t, result.Summary, "api:v2")
	assert.Contains(t, result.Summary, "scrape:html")
	require.Len(t, result.Errors, 2)
	assert.Equal(t, apperrors.KindClientError, result.Errors[0].Kind)
	assert.Equal(t, apperrors.KindServerError, result.ErrorKind)
}

func TestExecute_CancellationStopsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng, analyzer := newTestEngine(t, nil)

	var calls atomic.Int32
	primary := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}

	result := eng.Execute(ctx, primary, types.ExecutionOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, apperrors.KindCancelled, result.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())
	// Cancellation is not a strategy failure.
	assert.Equal(t, 0, analyzer.failureCount("weather-api", "api:v2"))
}

func TestExecute_CancellationDoesNotResetFailureCount(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	// Four non-retryable failures leave the breaker one short of tripping.
	authErr := apperrors.NewAuthenticationError("invalid token")
	for i := 0; i < 4; i++ {
		eng.Execute(context.Background(),
			failingStrategy("api:v2", "weather-api", authErr), types.ExecutionOptions{})
	}
	require.Equal(t, 4, eng.GetCircuitState("weather-api").ConsecutiveFailures)

	// A cancelled attempt is neutral and must not mask the streak.
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	result := eng.Execute(ctx, cancelling, types.ExecutionOptions{})
	require.Equal(t, apperrors.KindCancelled, result.ErrorKind)

	snap := eng.GetCircuitState("weather-api")
	assert.Equal(t, 4, snap.ConsecutiveFailures)
	assert.Equal(t, "CLOSED", snap.State)

	eng.Execute(context.Background(),
		failingStrategy("api:v2", "weather-api", authErr), types.ExecutionOptions{})
	assert.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)
}

func TestExecute_PanickingStrategyIsContained(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	primary := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("boom")
		}),
	}

	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{})
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "panicked")
	assert.Equal(t, apperrors.KindLogic, result.Errors[0].Kind)
}

func TestExecute_ParamsForwarded(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	primary := types.Strategy{
		ID:           "api:v2",
		OperationKey: "weather-api",
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("forecast for %v", params["city"]), nil
		}),
	}

	result := eng.Execute(context.Background(), primary, types.ExecutionOptions{
		Params: map[string]interface{}{"city": "Oslo"},
	})
	assert.True(t, result.Success)
	assert.Equal(t, "forecast for Oslo", result.Value)
}

func TestExecute_CircuitsAreIsolatedPerKey(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	eng.Execute(context.Background(),
		failingStrategy("api:v2", "weather-api", apperrors.NewNetworkError("down")),
		types.ExecutionOptions{})
	require.Equal(t, "OPEN", eng.GetCircuitState("weather-api").State)

	result := eng.Execute(context.Background(),
		succeedingStrategy("api:v1", "stock-api", 42), types.ExecutionOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, "CLOSED", eng.GetCircuitState("stock-api").State)
}

func TestNew_RequiresAnalyzerAndStore(t *testing.T) {
	_, err := New(Options{Store: &fakeStore{}})
	assert.Error(t, err)

	_, err = New(Options{Analyzer: newFakeAnalyzer()})
	assert.Error(t, err)
}

func TestClearBlacklistAndAnalytics(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.ClearBlacklist(context.Background(), "weather-api", "api:v2"))

	summary, err := eng.GetAnalytics(context.Background(), "weather-api")
	require.NoError(t, err)
	assert.Equal(t, "weather-api", summary.OperationKey)
}
