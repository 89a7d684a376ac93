// Package engine orchestrates protected execution: retry with backoff,
// circuit breaking, strategy exploration, parallel racing, degraded
// responses, and creative last-resort solving.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rebound-engine/rebound/pkg/breaker"
	"github.com/rebound-engine/rebound/pkg/cache"
	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/metrics"
	"github.com/rebound-engine/rebound/pkg/parallel"
	"github.com/rebound-engine/rebound/pkg/retry"
	"github.com/rebound-engine/rebound/pkg/tracing"
	"github.com/rebound-engine/rebound/pkg/types"
)

// FailureAnalyzer classifies errors and maintains the failure history
type FailureAnalyzer interface {
	Classify(err error) errors.Kind
	RecordFailure(ctx context.Context, operationKey, strategyID string, err error, duration time.Duration, tags map[string]string) error
	RecordSuccess(ctx context.Context, operationKey, strategyID string, duration time.Duration, tags map[string]string) error
	DetectInstability(ctx context.Context, operationKey string) (bool, error)
}

// AlternativeSource discovers ranked, non-blacklisted alternative strategies
type AlternativeSource interface {
	DiscoverAlternatives(ctx context.Context, operationKey, failedStrategyID string, maxResults int) ([]types.Strategy, error)
}

// StrategyRacer runs alternatives concurrently, first success wins
type StrategyRacer interface {
	Race(ctx context.Context, strategies []types.Strategy, params map[string]interface{}, perStrategyTimeout, operationTimeout time.Duration) (*parallel.Outcome, error)
}

// WorkaroundSource generates an approval-gated novel strategy when every
// known one is exhausted
type WorkaroundSource interface {
	GenerateWorkaround(ctx context.Context, operationKey, taskContext string, failedStrategies []types.Strategy) (*types.Strategy, error)
}

// AnalyticsStore exposes the failure history queries the engine surfaces
type AnalyticsStore interface {
	Analytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error)
	ClearBlacklist(ctx context.Context, operationKey, strategyID string) error
}

// Engine is the top-level entry point for protected execution
type Engine struct {
	config   config.EngineConfig
	policy   *retry.Policy
	breakers *breaker.Registry
	analyzer FailureAnalyzer
	explorer AlternativeSource
	racer    StrategyRacer
	creative WorkaroundSource
	fallback cache.ResultCache
	store    AnalyticsStore
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	logger   *logging.Logger
}

// Options assembles an Engine from its collaborators. Analyzer and Store are
// required; the rest degrade gracefully when absent: no Explorer means no
// alternatives, no Creative means no last resort, no Fallback means no
// degraded responses.
type Options struct {
	Config   config.EngineConfig
	Analyzer FailureAnalyzer
	Explorer AlternativeSource
	Racer    StrategyRacer
	Creative WorkaroundSource
	Fallback cache.ResultCache
	Store    AnalyticsStore
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
}

// New creates a resilience engine
func New(opts Options) (*Engine, error) {
	if opts.Analyzer == nil {
		return nil, errors.NewValidationError("engine requires a failure analyzer")
	}
	if opts.Store == nil {
		return nil, errors.NewValidationError("engine requires an analytics store")
	}

	cfg := opts.Config
	if cfg.MaxAttempts == 0 {
		cfg = config.DefaultEngineConfig()
	}

	m := opts.Metrics
	if m == nil {
		m = &metrics.Metrics{}
	}

	e := &Engine{
		config:   cfg,
		analyzer: opts.Analyzer,
		explorer: opts.Explorer,
		racer:    opts.Racer,
		creative: opts.Creative,
		fallback: opts.Fallback,
		store:    opts.Store,
		metrics:  m,
		tracer:   opts.Tracer,
		logger:   logging.GetLogger(),
	}

	e.policy = retry.NewPolicy(retry.Config{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        true,
	})

	e.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		MaxProbes:        cfg.HalfOpenProbes,
		OnStateChange: func(operationKey string, from, to breaker.State) {
			m.RecordCircuitTransition(operationKey, from.String(), to.String())
		},
	})

	return e, nil
}

// execution accumulates per-call state for the final report
type execution struct {
	operationKey string
	opts         types.ExecutionOptions
	startTime    time.Time
	attempts     int
	tried        []string
	failures     []types.StrategyError
	failedStrats []types.Strategy
	// circuitRejected marks that at least one phase was refused admission by
	// the breaker mid-call, e.g. while a half-open probe was already in flight.
	circuitRejected bool
}

func (x *execution) recordTried(strategyID string) {
	for _, id := range x.tried {
		if id == strategyID {
			return
		}
	}
	x.tried = append(x.tried, strategyID)
}

func (x *execution) recordFailure(strategy types.Strategy, kind errors.Kind, err error) {
	x.failures = append(x.failures, types.StrategyError{
		StrategyID: strategy.ID,
		Kind:       kind,
		Message:    err.Error(),
	})
	x.failedStrats = append(x.failedStrats, strategy)
}

// Execute runs the primary strategy under the full protection pipeline:
// circuit check, retry with exponential backoff, alternative exploration
// (sequential or raced), and the approval-gated creative last resort.
// It never panics across the strategy boundary and always returns a
// structured result.
func (e *Engine) Execute(ctx context.Context, primary types.Strategy, opts types.ExecutionOptions) *types.ExecutionResult {
	x := &execution{
		operationKey: primary.OperationKey,
		opts:         opts,
		startTime:    time.Now(),
	}

	if e.config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.OperationTimeout)
		defer cancel()
	}

	if e.tracer != nil {
		var span oteltrace.Span
		ctx, span = e.tracer.StartExecutionSpan(ctx, x.operationKey)
		defer span.End()
	}

	result := e.execute(ctx, x, primary)
	result.AttemptsMade = x.attempts
	result.StrategiesTried = x.tried
	result.Errors = x.failures
	result.TotalDuration = time.Since(x.startTime)

	outcome := "failure"
	if result.Success {
		outcome = "success"
		if result.Degraded {
			outcome = "degraded"
		}
	}
	e.metrics.RecordExecution(x.operationKey, outcome, result.TotalDuration)

	return result
}

func (e *Engine) execute(ctx context.Context, x *execution, primary types.Strategy) *types.ExecutionResult {
	brk := e.breakers.Get(x.operationKey)

	// An open circuit rejects the call before any attempt cost is incurred.
	// A cached previous result, when present, is served as an explicitly
	// degraded response.
	if brk.State() == breaker.StateOpen {
		return e.circuitOpenResult(ctx, x, brk)
	}

	// Phase 1: primary strategy with retry and backoff.
	result := e.runWithRetry(ctx, x, brk, primary)
	if result != nil {
		return result
	}

	// Phase 2: ranked alternatives, raced when unstable or requested.
	result = e.runAlternatives(ctx, x, brk, primary)
	if result != nil {
		return result
	}

	// Phase 3: creative last resort.
	result = e.runCreative(ctx, x, brk)
	if result != nil {
		return result
	}

	// Every phase was refused admission without a single attempt. The caller
	// sees the same distinct circuit-open outcome as an up-front rejection,
	// not an empty exhaustion report.
	if x.attempts == 0 && x.circuitRejected {
		return e.circuitOpenResult(ctx, x, brk)
	}

	return e.exhaustedResult(x)
}

// circuitOpenResult reports a breaker rejection, serving the last cached
// success as a degraded response when one exists.
func (e *Engine) circuitOpenResult(ctx context.Context, x *execution, brk *breaker.Breaker) *types.ExecutionResult {
	e.metrics.RecordCircuitRejection(x.operationKey)
	if degraded := e.degradedResult(ctx, x); degraded != nil {
		return degraded
	}

	// Without a cached value there is nothing stale to serve: the rejection
	// is a plain failure. Degraded marks only results carrying cached data.
	return &types.ExecutionResult{
		Success:   false,
		ErrorKind: errors.KindCircuitOpen,
		Summary: fmt.Sprintf("circuit breaker for '%s' is %s; call rejected without attempting",
			x.operationKey, brk.State().String()),
	}
}

// runWithRetry drives the primary strategy through the retry policy.
// A nil return means the strategy is exhausted and the pipeline moves on.
func (e *Engine) runWithRetry(ctx context.Context, x *execution, brk *breaker.Breaker, strategy types.Strategy) *types.ExecutionResult {
	for attempt := 0; attempt < e.policy.MaxAttempts(); attempt++ {
		if ctx.Err() != nil {
			return e.cancelledResult(x, ctx.Err())
		}

		value, kind, err := e.attempt(ctx, x, brk, strategy)
		if err == nil {
			return e.successResult(ctx, x, strategy, value)
		}
		if kind == errors.KindCancelled {
			return e.cancelledResult(x, err)
		}
		if kind == errors.KindCircuitOpen {
			// The breaker tripped mid-retry. The primary target is gone;
			// alternatives may still reach the goal another way.
			return nil
		}

		if !e.policy.ShouldRetry(kind, attempt) {
			e.logger.Info("Strategy not retryable, moving on",
				"operation_key", x.operationKey,
				"strategy_id", strategy.ID,
				"error_kind", string(kind),
				"attempt", attempt+1,
			)
			return nil
		}

		delay := e.policy.NextDelay(attempt)
		e.logger.Debug("Backing off before retry",
			"operation_key", x.operationKey,
			"strategy_id", strategy.ID,
			"delay", delay.String(),
			"attempt", attempt+1,
		)

		select {
		case <-ctx.Done():
			return e.cancelledResult(x, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil
}

// attempt performs one admission-checked invocation and records its outcome
// with the breaker, the analyzer, and metrics.
func (e *Engine) attempt(ctx context.Context, x *execution, brk *breaker.Breaker, strategy types.Strategy) (interface{}, errors.Kind, error) {
	generation, err := brk.Acquire()
	if err != nil {
		x.circuitRejected = true
		return nil, errors.KindCircuitOpen, err
	}

	x.attempts++
	x.recordTried(strategy.ID)

	attemptCtx := ctx
	if e.config.PerStrategyTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.config.PerStrategyTimeout)
		defer cancel()
	}

	var span oteltrace.Span
	if e.tracer != nil {
		attemptCtx, span = e.tracer.StartAttemptSpan(attemptCtx, x.operationKey, strategy.ID, x.attempts)
	}

	start := time.Now()
	value, err := invokeSafely(attemptCtx, strategy, x.opts.Params)
	elapsed := time.Since(start)

	if span != nil {
		if err != nil {
			e.tracer.RecordError(span, err)
		}
		span.End()
	}

	if err == nil {
		brk.Record(generation, true)
		e.metrics.RecordAttempt(x.operationKey, "success", "", elapsed)
		if recErr := e.analyzer.RecordSuccess(ctx, x.operationKey, strategy.ID, elapsed, nil); recErr != nil {
			e.logger.Warn("Failed to record success", "error", recErr.Error())
		}
		return value, "", nil
	}

	kind := e.classify(ctx, err)
	e.metrics.RecordAttempt(x.operationKey, "error", string(kind), elapsed)

	if kind == errors.KindCancelled {
		// Caller cancellation is neutral: nothing is blacklisted and the
		// breaker counts it neither as success nor as failure.
		brk.Release(generation)
		return nil, kind, err
	}

	brk.Record(generation, false)
	x.recordFailure(strategy, kind, err)

	if recErr := e.analyzer.RecordFailure(context.WithoutCancel(ctx), x.operationKey, strategy.ID, err, elapsed, nil); recErr != nil {
		e.logger.Warn("Failed to record failure", "error", recErr.Error())
	}

	e.logger.Warn("Strategy attempt failed",
		"operation_key", x.operationKey,
		"strategy_id", strategy.ID,
		"error_kind", string(kind),
		"duration", elapsed.String(),
		"error", err.Error(),
	)

	return nil, kind, err
}

// runAlternatives discovers ranked alternatives and tries them, sequentially
// by default, raced when the operation is unstable or the caller asked for it.
func (e *Engine) runAlternatives(ctx context.Context, x *execution, brk *breaker.Breaker, primary types.Strategy) *types.ExecutionResult {
	if e.explorer == nil {
		return nil
	}
	if ctx.Err() != nil {
		return e.cancelledResult(x, ctx.Err())
	}

	maxResults := e.config.MaxAlternatives
	alternatives, err := e.explorer.DiscoverAlternatives(ctx, x.operationKey, primary.ID, maxResults)
	if err != nil {
		e.logger.Warn("Alternative discovery failed",
			"operation_key", x.operationKey,
			"error", err.Error(),
		)
		return nil
	}
	if len(alternatives) == 0 {
		return nil
	}

	parallel := x.opts.Parallel
	if !parallel {
		unstable, instErr := e.analyzer.DetectInstability(ctx, x.operationKey)
		if instErr != nil {
			e.logger.Warn("Instability check failed",
				"operation_key", x.operationKey,
				"error", instErr.Error(),
			)
		}
		parallel = unstable
	}

	if parallel && e.racer != nil && len(alternatives) > 1 {
		return e.raceAlternatives(ctx, x, alternatives)
	}

	for _, alt := range alternatives {
		if ctx.Err() != nil {
			return e.cancelledResult(x, ctx.Err())
		}

		value, kind, err := e.attempt(ctx, x, brk, alt)
		if err == nil {
			return e.successResult(ctx, x, alt, value)
		}
		if kind == errors.KindCancelled {
			return e.cancelledResult(x, err)
		}
		if kind == errors.KindCircuitOpen {
			return nil
		}
	}
	return nil
}

// raceAlternatives runs the alternatives concurrently. Per-strategy outcomes
// are recorded by the wrapped executors so history stays accurate even for
// losers.
func (e *Engine) raceAlternatives(ctx context.Context, x *execution, alternatives []types.Strategy) *types.ExecutionResult {
	wrapped := make([]types.Strategy, len(alternatives))
	for i, alt := range alternatives {
		wrapped[i] = e.recordingStrategy(x, alt)
		x.recordTried(alt.ID)
	}

	outcome, err := e.racer.Race(ctx, wrapped, x.opts.Params, e.config.PerStrategyTimeout, e.config.OperationTimeout)
	if err != nil {
		e.metrics.RecordRace(x.operationKey, "failure")
		if ctx.Err() != nil && e.classify(ctx, err) == errors.KindCancelled {
			return e.cancelledResult(x, err)
		}
		e.logger.Warn("All raced alternatives failed",
			"operation_key", x.operationKey,
			"strategies", len(alternatives),
			"error", err.Error(),
		)
		return nil
	}

	e.metrics.RecordRace(x.operationKey, "success")
	winner := types.Strategy{ID: outcome.StrategyID, OperationKey: x.operationKey}
	return e.successResult(ctx, x, winner, outcome.Value)
}

// recordingStrategy wraps a strategy so its raced outcome feeds the breaker,
// the analyzer, and metrics. Cancellation of racing losers is not counted as
// failure.
func (e *Engine) recordingStrategy(x *execution, strategy types.Strategy) types.Strategy {
	inner := strategy.Executor
	brk := e.breakers.Get(x.operationKey)

	recorded := strategy
	recorded.Executor = types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		generation, acqErr := brk.Acquire()
		if acqErr != nil {
			x.circuitRejected = true
			return nil, acqErr
		}
		x.attempts++

		start := time.Now()
		value, err := invokeSafely(ctx, types.Strategy{ID: strategy.ID, Executor: inner}, params)
		elapsed := time.Since(start)

		if err == nil {
			brk.Record(generation, true)
			e.metrics.RecordAttempt(x.operationKey, "success", "", elapsed)
			if recErr := e.analyzer.RecordSuccess(context.WithoutCancel(ctx), x.operationKey, strategy.ID, elapsed, nil); recErr != nil {
				e.logger.Warn("Failed to record success", "error", recErr.Error())
			}
			return value, nil
		}

		kind := e.classify(ctx, err)
		e.metrics.RecordAttempt(x.operationKey, "error", string(kind), elapsed)

		if kind == errors.KindCancelled {
			brk.Release(generation)
			return nil, err
		}

		brk.Record(generation, false)
		x.recordFailure(strategy, kind, err)
		if recErr := e.analyzer.RecordFailure(context.WithoutCancel(ctx), x.operationKey, strategy.ID, err, elapsed, nil); recErr != nil {
			e.logger.Warn("Failed to record failure", "error", recErr.Error())
		}
		return nil, err
	})
	return recorded
}

// runCreative invokes the approval-gated workaround path once per Execute
func (e *Engine) runCreative(ctx context.Context, x *execution, brk *breaker.Breaker) *types.ExecutionResult {
	if e.creative == nil || x.opts.DisableCreative {
		return nil
	}
	if ctx.Err() != nil {
		return e.cancelledResult(x, ctx.Err())
	}
	// An open circuit would reject the workaround's execution at Acquire, so
	// no advisor calls are spent while it stays open.
	if brk.State() == breaker.StateOpen {
		return nil
	}

	if e.tracer != nil {
		var span oteltrace.Span
		ctx, span = e.tracer.StartAdvisorSpan(ctx, x.operationKey)
		defer span.End()
	}

	strategy, err := e.creative.GenerateWorkaround(ctx, x.operationKey, x.opts.TaskContext, x.failedStrats)
	if err != nil {
		e.metrics.RecordCreativeCall(x.operationKey, "generation_failed")
		kind := e.classify(ctx, err)
		if kind == errors.KindCancelled {
			return e.cancelledResult(x, err)
		}
		e.logger.Warn("Creative solving unavailable",
			"operation_key", x.operationKey,
			"error", err.Error(),
		)
		// Declined workarounds are terminal and appear in the report.
		if kind == errors.KindClientError {
			x.failures = append(x.failures, types.StrategyError{
				StrategyID: "creative:" + x.operationKey,
				Kind:       kind,
				Message:    err.Error(),
			})
		}
		return nil
	}

	value, kind, err := e.attempt(ctx, x, brk, *strategy)
	if err == nil {
		e.metrics.RecordCreativeCall(x.operationKey, "success")
		return e.successResult(ctx, x, *strategy, value)
	}

	e.metrics.RecordCreativeCall(x.operationKey, "failure")
	if kind == errors.KindCancelled {
		return e.cancelledResult(x, err)
	}
	return nil
}

func (e *Engine) successResult(ctx context.Context, x *execution, strategy types.Strategy, value interface{}) *types.ExecutionResult {
	if x.opts.CacheResult && e.fallback != nil {
		if err := e.fallback.StoreResult(context.WithoutCancel(ctx), x.operationKey, strategy.ID, value); err != nil {
			e.logger.Warn("Failed to cache result for degraded fallback",
				"operation_key", x.operationKey,
				"error", err.Error(),
			)
		}
	}

	return &types.ExecutionResult{
		Success: true,
		Value:   value,
	}
}

func (e *Engine) cancelledResult(x *execution, err error) *types.ExecutionResult {
	return &types.ExecutionResult{
		Success:   false,
		ErrorKind: errors.KindCancelled,
		Summary:   fmt.Sprintf("execution cancelled: %v", err),
	}
}

// degradedResult serves the last cached success while the circuit is open
func (e *Engine) degradedResult(ctx context.Context, x *execution) *types.ExecutionResult {
	if e.fallback == nil {
		return nil
	}

	entry, err := e.fallback.GetResult(ctx, x.operationKey)
	if err != nil {
		return nil
	}

	e.metrics.RecordDegradedResponse(x.operationKey)
	e.logger.Info("Serving degraded cached result",
		"operation_key", x.operationKey,
		"cached_at", entry.CachedAt.Format(time.RFC3339),
		"source_strategy", entry.StrategyID,
	)

	return &types.ExecutionResult{
		Success:  true,
		Value:    entry.Value,
		Degraded: true,
		Summary: fmt.Sprintf("circuit open; stale result from %s cached at %s",
			entry.StrategyID, entry.CachedAt.Format(time.RFC3339)),
	}
}

// exhaustedResult builds the structured report after every path failed
func (e *Engine) exhaustedResult(x *execution) *types.ExecutionResult {
	kind := errors.KindUnknown
	if len(x.failures) > 0 {
		kind = x.failures[len(x.failures)-1].Kind
	}

	var b strings.Builder
	fmt.Fprintf(&b, "all %d strategies failed for '%s' after %d attempts",
		len(x.tried), x.operationKey, x.attempts)
	for _, f := range x.failures {
		fmt.Fprintf(&b, "; %s: %s (%s)", f.StrategyID, f.Message, string(f.Kind))
	}

	return &types.ExecutionResult{
		Success:   false,
		ErrorKind: kind,
		Summary:   b.String(),
	}
}

func (e *Engine) classify(_ context.Context, err error) errors.Kind {
	return e.analyzer.Classify(err)
}

// invokeSafely shields the engine from panicking strategy executors
func invokeSafely(ctx context.Context, strategy types.Strategy, params map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewLogicError(fmt.Sprintf("strategy '%s' panicked: %v", strategy.ID, r))
		}
	}()
	return strategy.Executor.Invoke(ctx, params)
}

// GetCircuitState returns the breaker snapshot for one operation key
func (e *Engine) GetCircuitState(operationKey string) breaker.Snapshot {
	return e.breakers.Snapshot(operationKey)
}

// CircuitStates returns snapshots for every known operation key
func (e *Engine) CircuitStates() []breaker.Snapshot {
	return e.breakers.Snapshots()
}

// GetAnalytics returns the aggregated failure history for one operation key
func (e *Engine) GetAnalytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error) {
	return e.store.Analytics(ctx, operationKey)
}

// ClearBlacklist manually removes a strategy from the blacklist
func (e *Engine) ClearBlacklist(ctx context.Context, operationKey, strategyID string) error {
	e.logger.Info("Blacklist entry cleared",
		"operation_key", operationKey,
		"strategy_id", strategyID,
	)
	return e.store.ClearBlacklist(ctx, operationKey, strategyID)
}
