// Package creative implements the last-resort path: asking the
// language-model advisor for a novel approach when every cataloged strategy
// is exhausted, gated by a safety scan and explicit external approval.
package creative

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/types"
)

// Proposal is an advisor-generated approach awaiting approval
type Proposal struct {
	OperationKey string `json:"operation_key"`
	TaskContext  string `json:"task_context"`
	Approach     string `json:"approach"`
}

// ApprovalFunc decides whether a generated workaround may be executed.
// A false return is a user decline, reported as a client error and never
// retried.
type ApprovalFunc func(ctx context.Context, proposal Proposal) (bool, error)

// Runner executes an approved workaround proposal. It represents the
// sandboxed execution environment; this package only produces the strategy.
type Runner interface {
	Run(ctx context.Context, approach string, params map[string]interface{}) (interface{}, error)
}

// disallowed operations the safety scan rejects in advisor output
var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)dd\s+if=`),
	regexp.MustCompile(`(?i)drop\s+(table|database)`),
	regexp.MustCompile(`(?i)truncate\s+table`),
	regexp.MustCompile(`(?i)delete\s+from\s+\w+\s*(;|$)`),
	regexp.MustCompile(`(?i)curl[^\n]*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)(chmod|chown)\s+-R\s+777`),
	regexp.MustCompile(`(?i)(/etc/passwd|/etc/shadow|\.ssh/id_rsa)`),
	regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)fork\s*bomb|:\(\)\s*\{\s*:\|:`),
}

// Config holds creative solver configuration
type Config struct {
	// MaxAdvisorCalls caps advisor requests per GenerateWorkaround call
	// (which the engine invokes at most once per Execute). Cost control.
	MaxAdvisorCalls int
	// MaxTokens is forwarded to the advisor
	MaxTokens int
	// CallTimeout bounds each advisor request
	CallTimeout time.Duration
}

// DefaultConfig returns the documented solver defaults
func DefaultConfig() Config {
	return Config{
		MaxAdvisorCalls: 2,
		MaxTokens:       1024,
		CallTimeout:     60 * time.Second,
	}
}

// ConfigFromEngine derives solver settings from the engine configuration.
// ENGINE_MAX_CREATIVE_CALLS caps advisor requests per workaround; the
// remaining knobs keep the documented defaults.
func ConfigFromEngine(cfg config.EngineConfig) Config {
	c := DefaultConfig()
	if cfg.MaxCreativeCalls > 0 {
		c.MaxAdvisorCalls = cfg.MaxCreativeCalls
	}
	return c
}

// Solver generates approval-gated workaround strategies
type Solver struct {
	advisor types.Advisor
	runner  Runner
	approve ApprovalFunc
	config  Config
	logger  *logging.Logger
}

// New creates a solver. advisor, runner, and approve are all required.
func New(advisor types.Advisor, runner Runner, approve ApprovalFunc, config Config) *Solver {
	if config.MaxAdvisorCalls <= 0 {
		config.MaxAdvisorCalls = 2
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 60 * time.Second
	}

	return &Solver{
		advisor: advisor,
		runner:  runner,
		approve: approve,
		config:  config,
		logger:  logging.GetLogger(),
	}
}

// GenerateWorkaround asks the advisor for a novel approach to the failed
// operation. The proposal must pass the safety scan and the approval
// callback before it is wrapped as an executable strategy. Advisor
// unavailability degrades to a descriptive composite error.
func (s *Solver) GenerateWorkaround(ctx context.Context, operationKey, taskContext string, failedStrategies []types.Strategy) (*types.Strategy, error) {
	if s.advisor == nil {
		return nil, errors.NewUnknownError("no language-model advisor configured")
	}

	prompt := s.buildPrompt(operationKey, taskContext, failedStrategies)

	var attempts *multierror.Error
	for call := 0; call < s.config.MaxAdvisorCalls; call++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		proposal, err := s.advisor.Complete(callCtx, prompt, s.config.MaxTokens)
		cancel()

		if err != nil {
			attempts = multierror.Append(attempts,
				fmt.Errorf("advisor call %d: %w", call+1, err))
			continue
		}

		proposal = strings.TrimSpace(proposal)
		if proposal == "" {
			attempts = multierror.Append(attempts,
				fmt.Errorf("advisor call %d: empty proposal", call+1))
			continue
		}

		if violation := scanForUnsafeOperations(proposal); violation != "" {
			s.logger.Warn("Advisor proposal rejected by safety scan",
				"operation_key", operationKey,
				"violation", violation,
			)
			attempts = multierror.Append(attempts,
				fmt.Errorf("advisor call %d: proposal rejected by safety scan (%s)", call+1, violation))
			// Feed the rejection back so the next call avoids the pattern.
			prompt += fmt.Sprintf("\n\nThe previous proposal was rejected because it contained a disallowed operation (%s). Propose a safe alternative.", violation)
			continue
		}

		return s.approveAndWrap(ctx, operationKey, taskContext, proposal)
	}

	return nil, errors.NewUnknownError(
		fmt.Sprintf("creative solving exhausted after %d advisor calls", s.config.MaxAdvisorCalls)).
		WithCause(attempts.ErrorOrNil())
}

func (s *Solver) approveAndWrap(ctx context.Context, operationKey, taskContext, approach string) (*types.Strategy, error) {
	approved, err := s.approve(ctx, Proposal{
		OperationKey: operationKey,
		TaskContext:  taskContext,
		Approach:     approach,
	})
	if err != nil {
		return nil, errors.NewUnknownError("workaround approval check failed").WithCause(err)
	}
	if !approved {
		// User-declined is terminal: client error, never retried.
		return nil, errors.NewClientError("generated workaround declined by approver")
	}

	runner := s.runner
	return &types.Strategy{
		ID:           "creative:" + operationKey,
		OperationKey: operationKey,
		Executor: types.InvokerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return runner.Run(ctx, approach, params)
		}),
		Metadata: map[string]string{
			"source":   "creative-solver",
			"approach": approach,
		},
	}, nil
}

func (s *Solver) buildPrompt(operationKey, taskContext string, failedStrategies []types.Strategy) string {
	var b strings.Builder
	b.WriteString("Every known strategy for an operation has failed. Propose one novel, safe approach to accomplish it.\n\n")
	fmt.Fprintf(&b, "Operation: %s\n", operationKey)
	if taskContext != "" {
		fmt.Fprintf(&b, "Goal: %s\n", taskContext)
	}
	if len(failedStrategies) > 0 {
		b.WriteString("Already tried and failed:\n")
		for _, strategy := range failedStrategies {
			fmt.Fprintf(&b, "- %s\n", strategy.ID)
		}
	}
	b.WriteString("\nDescribe the approach as a concrete sequence of steps. Do not repeat any failed strategy. Do not propose destructive or privileged operations.")
	return b.String()
}

// scanForUnsafeOperations returns the matched pattern when the proposal
// contains a disallowed operation, or empty when clean.
func scanForUnsafeOperations(proposal string) string {
	for _, pattern := range unsafePatterns {
		if pattern.MatchString(proposal) {
			return pattern.String()
		}
	}
	return ""
}
