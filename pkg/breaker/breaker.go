// Package breaker implements the per-operation-key circuit breaker that
// blocks calls to persistently failing targets.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rebound-engine/rebound/pkg/logging"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the circuit
	FailureThreshold int
	// RecoveryTimeout is the period of the open state, after which the
	// circuit becomes half-open
	RecoveryTimeout time.Duration
	// MaxProbes is the number of concurrent probe calls allowed while
	// half-open
	MaxProbes int
	// OnStateChange is called whenever the state changes
	OnStateChange func(operationKey string, from State, to State)
}

// DefaultConfig returns the documented circuit breaker defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MaxProbes:        1,
	}
}

// Snapshot is a read-only copy of one breaker's state for introspection
type Snapshot struct {
	OperationKey        string    `json:"operation_key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastStateChangeTime time.Time `json:"last_state_change_time"`
	HalfOpenProbeCount  int       `json:"half_open_probe_count"`
}

// Breaker is the state machine for a single operation key. Transitions are
// atomic with respect to concurrent callers: all state is guarded by one
// mutex, and a generation counter discards results reported after the state
// has already moved on.
type Breaker struct {
	operationKey  string
	config        Config
	onStateChange func(operationKey string, from State, to State)

	mutex               sync.Mutex
	state               State
	generation          uint64
	consecutiveFailures int
	probes              int
	lastFailureTime     time.Time
	lastStateChangeTime time.Time

	logger *logging.Logger
}

// New creates a circuit breaker for one operation key
func New(operationKey string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}

	return &Breaker{
		operationKey:        operationKey,
		config:              config,
		onStateChange:       config.OnStateChange,
		state:               StateClosed,
		lastStateChangeTime: time.Now(),
		logger:              logging.GetLogger(),
	}
}

// Acquire asks permission to attempt the operation. It returns a generation
// token to pass to Record, or an *OpenError when the circuit rejects the
// call. No attempt cost is incurred on rejection.
func (b *Breaker) Acquire() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state := b.currentState(now)

	switch state {
	case StateOpen:
		return b.generation, &OpenError{OperationKey: b.operationKey, State: state}
	case StateHalfOpen:
		if b.probes >= b.config.MaxProbes {
			return b.generation, &OpenError{OperationKey: b.operationKey, State: state}
		}
		b.probes++
	}

	return b.generation, nil
}

// Record reports the outcome of an attempt previously admitted by Acquire.
// Outcomes from a superseded generation are discarded.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if generation != b.generation {
		return
	}

	if state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// Release returns an admission obtained from Acquire without recording an
// outcome. Used for cancelled attempts: cancellation is neither success nor
// failure, so the failure count and state are untouched and a half-open
// probe slot is freed for the next caller.
func (b *Breaker) Release(generation uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	state := b.currentState(time.Now())
	if generation != b.generation {
		return
	}

	if state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	b.lastFailureTime = now

	switch state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Failed probe: back to open, recovery clock restarts.
		b.setState(StateOpen, now)
	}
}

// currentState lazily applies the open -> half-open transition. Callers must
// hold the mutex.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastStateChangeTime) >= b.config.RecoveryTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.generation++
	b.probes = 0
	b.lastStateChangeTime = now

	if state == StateClosed {
		b.consecutiveFailures = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(b.operationKey, prev, state)
	}

	b.logger.Warn("Circuit breaker state changed",
		"operation_key", b.operationKey,
		"from", prev.String(),
		"to", state.String(),
		"consecutive_failures", b.consecutiveFailures,
	)
}

// State returns the current state, applying any pending timeout transition
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.currentState(time.Now())
}

// Snapshot returns a read-only copy of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	state := b.currentState(time.Now())
	return Snapshot{
		OperationKey:        b.operationKey,
		State:               state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		LastStateChangeTime: b.lastStateChangeTime,
		HalfOpenProbeCount:  b.probes,
	}
}

// OpenError is returned when the circuit rejects a call without attempting it
type OpenError struct {
	OperationKey string
	State        State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for '%s' is %s", e.OperationKey, e.State.String())
}

// IsOpenError checks if an error is a circuit breaker rejection
func IsOpenError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
