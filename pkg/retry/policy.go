// Package retry implements the backoff and retry-eligibility policy applied
// to every protected attempt.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rebound-engine/rebound/pkg/errors"
)

// Config holds retry policy configuration
type Config struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration
	// BackoffFactor is the multiplier for exponential backoff
	BackoffFactor float64
	// Jitter adds randomness to delay to avoid thundering herd
	Jitter bool
}

// DefaultConfig returns the documented retry defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Policy computes backoff delays and retry decisions per error kind.
// It holds no mutable state besides a guarded RNG and is safe for
// concurrent use across operations.
type Policy struct {
	config Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a retry policy, filling in defaults for zero values
func NewPolicy(config Config) *Policy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.BackoffFactor < 1.0 {
		config.BackoffFactor = 2.0
	}

	return &Policy{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxAttempts returns the configured attempt budget
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// NextDelay returns the backoff delay after the given attempt (0-based).
// delay = min(maxDelay, baseDelay * backoffFactor^attempt) + jitter,
// jitter uniform in [0, 0.1*delay]. Ignoring jitter, the delay is
// monotonically non-decreasing in attempt up to maxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffFactor, float64(attempt))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}

	if p.config.Jitter {
		p.mu.Lock()
		jitter := p.rng.Float64() * 0.1 * delay
		p.mu.Unlock()
		delay += jitter
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after a failure of
// the given kind on the given attempt (0-based). Authentication and client
// errors are never retried; rate limiting is the one client-side condition
// that is. Engine-level outcomes (circuit open, cancelled) are terminal.
func (p *Policy) ShouldRetry(kind errors.Kind, attempt int) bool {
	if attempt+1 >= p.config.MaxAttempts {
		return false
	}

	switch kind {
	case errors.KindAuthentication, errors.KindClientError:
		return false
	case errors.KindCircuitOpen, errors.KindCancelled:
		return false
	case errors.KindLogic, errors.KindData:
		// Deterministic failures: the same input fails the same way.
		return false
	}

	return true
}
