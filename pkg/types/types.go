// Package types holds the shared data model of the resilience engine and the
// interface boundaries of its external collaborators: the operation executor,
// the strategy catalog, and the language-model advisor.
package types

import (
	"context"
	"time"

	"github.com/rebound-engine/rebound/pkg/errors"
)

// Invoker is the opaque asynchronous callable being protected: a tool call,
// an API request, or a generated-code run. Implementations must respect the
// passed cancellation context.
type Invoker interface {
	Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// InvokerFunc adapts a plain function to the Invoker interface
type InvokerFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return f(ctx, params)
}

// Strategy is one concrete way to attempt an operation. Strategies are
// ephemeral per execution: they are never persisted.
type Strategy struct {
	ID           string            `json:"id"`
	OperationKey string            `json:"operation_key"`
	Executor     Invoker           `json:"-"`
	Rank         int               `json:"rank"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StrategyDescriptor is a catalog entry describing an alternative strategy
// for an operation class. Preference breaks ranking ties: lower is better.
type StrategyDescriptor struct {
	ID         string            `json:"id"`
	Preference int               `json:"preference"`
	Executor   Invoker           `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Catalog looks up alternative strategies for an operation class.
// Implementations must be read-only with no side effects.
type Catalog interface {
	LookupAlternatives(operationKey string) []StrategyDescriptor
}

// Advisor is the language-model collaborator used by the creative-solving
// path. Single request/response; no streaming.
type Advisor interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// AttemptOutcome is the terminal status of a single attempt
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeError   AttemptOutcome = "error"
)

// AttemptRecord is one execution attempt. Immutable once written; retained
// for the configured retention window, then purged.
type AttemptRecord struct {
	ID           string            `json:"id" db:"id"`
	OperationKey string            `json:"operation_key" db:"operation_key"`
	StrategyID   string            `json:"strategy_id" db:"strategy_id"`
	StartTime    time.Time         `json:"start_time" db:"started_at"`
	Duration     time.Duration     `json:"duration" db:"-"`
	Outcome      AttemptOutcome    `json:"outcome" db:"outcome"`
	ErrorKind    errors.Kind       `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`
	ContextTags  map[string]string `json:"context_tags,omitempty" db:"-"`
}

// BlacklistEntry is a persisted record preventing reselection of a strategy
// known to fail repeatedly for an operation.
type BlacklistEntry struct {
	OperationKey     string    `json:"operation_key" db:"operation_key"`
	StrategyID       string    `json:"strategy_id" db:"strategy_id"`
	FailureCount     int       `json:"failure_count" db:"failure_count"`
	Reason           string    `json:"reason" db:"reason"`
	FirstBlacklisted time.Time `json:"first_blacklisted" db:"first_blacklisted"`
	ExpiresAt        time.Time `json:"expires_at" db:"expires_at"`
}

// StrategyError pairs a tried strategy with its classified failure,
// for the final user-facing report.
type StrategyError struct {
	StrategyID string      `json:"strategy_id"`
	Kind       errors.Kind `json:"kind"`
	Message    string      `json:"message"`
}

// ExecutionResult is the outcome returned to the caller of Execute.
// Constructed once per call; immutable after return.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	Value           interface{}     `json:"value,omitempty"`
	ErrorKind       errors.Kind     `json:"error_kind,omitempty"`
	AttemptsMade    int             `json:"attempts_made"`
	StrategiesTried []string        `json:"strategies_tried"`
	Errors          []StrategyError `json:"errors,omitempty"`
	TotalDuration   time.Duration   `json:"total_duration"`
	Degraded        bool            `json:"degraded"`
	Summary         string          `json:"summary,omitempty"`
}

// ExecutionOptions tunes a single Execute call
type ExecutionOptions struct {
	// Parallel forces alternative strategies to be raced concurrently even
	// when the operation has not been flagged as unstable.
	Parallel bool `json:"parallel"`
	// TaskContext is a short human-readable description of what the caller
	// is trying to accomplish, passed to the creative solver.
	TaskContext string `json:"task_context,omitempty"`
	// Params is forwarded to every strategy invocation.
	Params map[string]interface{} `json:"params,omitempty"`
	// DisableCreative skips the creative-solving last resort.
	DisableCreative bool `json:"disable_creative"`
	// CacheResult stores successful values in the fallback cache so they can
	// be served as degraded results while the circuit is open.
	CacheResult bool `json:"cache_result"`
}

// DailyCount is one day's failure tally for analytics
type DailyCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// AnalyticsSummary aggregates failure history for one operation key
type AnalyticsSummary struct {
	OperationKey   string       `json:"operation_key"`
	TotalAttempts  int          `json:"total_attempts"`
	TotalFailures  int          `json:"total_failures"`
	TopErrorKind   errors.Kind  `json:"top_error_kind,omitempty"`
	MostFailingID  string       `json:"most_failing_strategy_id,omitempty"`
	DailyFailures  []DailyCount `json:"daily_failures"`
	BlacklistedIDs []string     `json:"blacklisted_strategy_ids,omitempty"`
	GeneratedAt    time.Time    `json:"generated_at"`
	WindowDays     int          `json:"window_days"`
}

// StrategyStats is observed per-strategy performance for one operation key,
// used by the explorer for ranking.
type StrategyStats struct {
	StrategyID string        `json:"strategy_id"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// SuccessRate returns successes over total attempts, zero when unobserved
func (s StrategyStats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}
