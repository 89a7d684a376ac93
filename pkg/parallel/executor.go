// Package parallel races candidate strategies concurrently: the first
// success wins and losers are cancelled.
package parallel

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/types"
)

// DefaultMaxParallel bounds concurrent strategy fan-out
const DefaultMaxParallel = 4

// Outcome is the winning strategy's result
type Outcome struct {
	StrategyID string
	Value      interface{}
	Elapsed    time.Duration
}

// Executor races strategies with bounded concurrency
type Executor struct {
	maxParallel int
	logger      *logging.Logger
}

// New creates an executor with the given fan-out bound
func New(maxParallel int) *Executor {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Executor{
		maxParallel: maxParallel,
		logger:      logging.GetLogger(),
	}
}

type attemptResult struct {
	strategyID string
	value      interface{}
	elapsed    time.Duration
	err        error
}

// Race launches every strategy concurrently, each bounded by
// perStrategyTimeout and all bounded by operationTimeout. The first strategy
// to complete successfully wins; the rest receive a cancellation signal.
// Cancellation is cooperative: non-cooperative work is not forcibly
// terminated, and no idempotency of strategy side effects is assumed.
//
// When every strategy fails, the returned error aggregates each strategy's
// failure. When operationTimeout elapses first, the error says so and lists
// whatever failures had been collected.
func (e *Executor) Race(ctx context.Context, strategies []types.Strategy, params map[string]interface{}, perStrategyTimeout, operationTimeout time.Duration) (*Outcome, error) {
	if len(strategies) == 0 {
		return nil, errors.NewValidationError("no strategies to race")
	}

	raceCtx := ctx
	var cancelRace context.CancelFunc
	if operationTimeout > 0 {
		raceCtx, cancelRace = context.WithTimeout(ctx, operationTimeout)
	} else {
		raceCtx, cancelRace = context.WithCancel(ctx)
	}
	defer cancelRace()

	results := make(chan attemptResult, len(strategies))
	semaphore := make(chan struct{}, e.maxParallel)

	for _, strategy := range strategies {
		go func(s types.Strategy) {
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-raceCtx.Done():
				results <- attemptResult{strategyID: s.ID, err: raceCtx.Err()}
				return
			}

			attemptCtx := raceCtx
			var cancelAttempt context.CancelFunc
			if perStrategyTimeout > 0 {
				attemptCtx, cancelAttempt = context.WithTimeout(raceCtx, perStrategyTimeout)
				defer cancelAttempt()
			}

			start := time.Now()
			value, err := s.Executor.Invoke(attemptCtx, params)
			results <- attemptResult{
				strategyID: s.ID,
				value:      value,
				elapsed:    time.Since(start),
				err:        err,
			}
		}(strategy)
	}

	var failures *multierror.Error
	for completed := 0; completed < len(strategies); completed++ {
		select {
		case res := <-results:
			if res.err == nil {
				// Winner: broadcast cancellation to the losers.
				cancelRace()
				e.logger.Info("Race won",
					"strategy_id", res.strategyID,
					"elapsed", res.elapsed.String(),
					"losers", len(strategies)-1,
				)
				return &Outcome{
					StrategyID: res.strategyID,
					Value:      res.value,
					Elapsed:    res.elapsed,
				}, nil
			}
			failures = multierror.Append(failures,
				fmt.Errorf("strategy %s: %w", res.strategyID, res.err))

		case <-raceCtx.Done():
			// Caller cancellation or overall timeout before any winner.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = multierror.Append(failures,
				fmt.Errorf("operation timeout after %s", operationTimeout))
			return nil, errors.NewNetworkError("race timed out before any strategy resolved").
				WithCause(failures.ErrorOrNil())
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if raceCtx.Err() == context.DeadlineExceeded {
		return nil, errors.NewNetworkError("race timed out before any strategy resolved").
			WithCause(failures.ErrorOrNil())
	}

	return nil, errors.NewUnknownError(
		fmt.Sprintf("all %d raced strategies failed", len(strategies))).
		WithCause(failures.ErrorOrNil())
}
