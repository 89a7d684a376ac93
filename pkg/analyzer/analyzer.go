// Package analyzer classifies failures, detects repeating and unstable
// failure patterns, and maintains the strategy blacklist through the
// failure store.
package analyzer

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"time"

	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/metrics"
	"github.com/rebound-engine/rebound/pkg/types"
)

// FailureStore is the slice of the store the analyzer needs
type FailureStore interface {
	Record(ctx context.Context, rec *types.AttemptRecord) error
	Blacklist(ctx context.Context, operationKey, strategyID, reason string, failureCount int) error
	FailureCount(ctx context.Context, operationKey, strategyID string, since time.Time) (int, error)
	DistinctErrorKinds(ctx context.Context, operationKey string, since time.Time) ([]string, error)
}

// Config holds pattern detection thresholds
type Config struct {
	// BlacklistThreshold is the failure count within BlacklistWindow that
	// blacklists a strategy for an operation key
	BlacklistThreshold int
	// BlacklistWindow is the trailing window for repeated-failure detection
	BlacklistWindow time.Duration
	// InstabilityWindow is the trailing window for instability detection
	InstabilityWindow time.Duration
	// InstabilityKinds is the number of distinct error kinds within the
	// window that flags an operation as unstable
	InstabilityKinds int
	// Metrics receives blacklist insertion counts. Optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the documented analyzer defaults
func DefaultConfig() Config {
	return Config{
		BlacklistThreshold: 2,
		BlacklistWindow:    7 * 24 * time.Hour,
		InstabilityWindow:  1 * time.Hour,
		InstabilityKinds:   2,
	}
}

// Analyzer classifies errors and closes the learning loop into the store
type Analyzer struct {
	store   FailureStore
	config  Config
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// New creates an analyzer over the given store
func New(store FailureStore, config Config) *Analyzer {
	if config.BlacklistThreshold <= 0 {
		config.BlacklistThreshold = 2
	}
	if config.BlacklistWindow <= 0 {
		config.BlacklistWindow = 7 * 24 * time.Hour
	}
	if config.InstabilityWindow <= 0 {
		config.InstabilityWindow = 1 * time.Hour
	}
	if config.InstabilityKinds <= 0 {
		config.InstabilityKinds = 2
	}

	return &Analyzer{
		store:   store,
		config:  config,
		metrics: config.Metrics,
		logger:  logging.GetLogger(),
	}
}

// substring groups in precedence order. Server-side origin outranks network
// symptoms, so a 503 with a timeout message classifies as a server error.
var classificationTable = []struct {
	kind     errors.Kind
	patterns []string
}{
	{errors.KindAuthentication, []string{
		"unauthorized", "authentication failed", "invalid api key",
		"invalid credentials", "forbidden", "access denied", "401", "403",
	}},
	{errors.KindRateLimit, []string{
		"rate limit", "too many requests", "429", "quota exceeded", "throttled",
	}},
	{errors.KindServerError, []string{
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "500", "502", "503", "504",
	}},
	{errors.KindNetwork, []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"no such host", "network is unreachable", "broken pipe", "eof",
		"dns", "tls handshake",
	}},
	{errors.KindClientError, []string{
		"bad request", "not found", "method not allowed", "unprocessable",
		"400", "404", "405", "422",
	}},
	{errors.KindResourceExhausted, []string{
		"out of memory", "disk full", "no space left", "resource exhausted",
		"too many open files",
	}},
	{errors.KindData, []string{
		"parse error", "unmarshal", "decode", "invalid json", "malformed",
		"unexpected token", "encoding",
	}},
	{errors.KindLogic, []string{
		"nil pointer", "index out of range", "assertion failed",
		"divide by zero", "invalid state",
	}},
}

// Classify maps an error onto the failure taxonomy. Precedence: explicit
// classification on a typed error, then context sentinels, then net errors,
// then the message substring table.
func (a *Analyzer) Classify(err error) errors.Kind {
	if err == nil {
		return errors.KindUnknown
	}

	var appErr *errors.Error
	if stderrors.As(err, &appErr) && appErr.Kind != errors.KindUnknown {
		return appErr.Kind
	}

	if stderrors.Is(err, context.Canceled) {
		return errors.KindCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.KindNetwork
	}

	message := strings.ToLower(err.Error())
	for _, entry := range classificationTable {
		for _, pattern := range entry.patterns {
			if strings.Contains(message, pattern) {
				return entry.kind
			}
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.KindNetwork
	}

	return errors.KindUnknown
}

// RecordFailure persists a failed attempt and updates the blacklist when
// the strategy has failed at least the threshold number of times within
// the blacklist window.
func (a *Analyzer) RecordFailure(ctx context.Context, operationKey, strategyID string, err error, duration time.Duration, tags map[string]string) error {
	kind := a.Classify(err)

	rec := &types.AttemptRecord{
		OperationKey: operationKey,
		StrategyID:   strategyID,
		StartTime:    time.Now().Add(-duration),
		Duration:     duration,
		Outcome:      types.OutcomeError,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		ContextTags:  tags,
	}
	if recordErr := a.store.Record(ctx, rec); recordErr != nil {
		return recordErr
	}

	since := time.Now().Add(-a.config.BlacklistWindow)
	count, countErr := a.store.FailureCount(ctx, operationKey, strategyID, since)
	if countErr != nil {
		return countErr
	}

	if count >= a.config.BlacklistThreshold {
		a.logger.Warn("Strategy blacklisted after repeated failures",
			"operation_key", operationKey,
			"strategy_id", strategyID,
			"failure_count", count,
			"window", a.config.BlacklistWindow.String(),
		)
		if a.metrics != nil {
			a.metrics.RecordBlacklistInsertion(operationKey)
		}
		return a.store.Blacklist(ctx, operationKey, strategyID,
			"repeated failures within detection window", count)
	}

	return nil
}

// RecordSuccess persists a successful attempt. Success history feeds the
// explorer's success-rate ranking.
func (a *Analyzer) RecordSuccess(ctx context.Context, operationKey, strategyID string, duration time.Duration, tags map[string]string) error {
	return a.store.Record(ctx, &types.AttemptRecord{
		OperationKey: operationKey,
		StrategyID:   strategyID,
		StartTime:    time.Now().Add(-duration),
		Duration:     duration,
		Outcome:      types.OutcomeSuccess,
		ContextTags:  tags,
	})
}

// IsRepeatingFailure reports whether a strategy has reached the blacklist
// threshold for an operation key within the detection window.
func (a *Analyzer) IsRepeatingFailure(ctx context.Context, operationKey, strategyID string) (bool, error) {
	since := time.Now().Add(-a.config.BlacklistWindow)
	count, err := a.store.FailureCount(ctx, operationKey, strategyID, since)
	if err != nil {
		return false, err
	}
	return count >= a.config.BlacklistThreshold, nil
}

// DetectInstability flags an operation key as unstable when at least two
// distinct error kinds were observed within the trailing window. Unstable
// operations are a signal to prefer parallel exploration over sequential
// retry.
func (a *Analyzer) DetectInstability(ctx context.Context, operationKey string) (bool, error) {
	since := time.Now().Add(-a.config.InstabilityWindow)
	kinds, err := a.store.DistinctErrorKinds(ctx, operationKey, since)
	if err != nil {
		return false, err
	}
	return len(kinds) >= a.config.InstabilityKinds, nil
}
