// Package resilience provides the primitives shared by every outbound
// client and adapter: a circuit breaker, a token-bucket rate limiter, and
// a bounded TTL LRU cache (spec §4.2).
package resilience

import (
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

// State is one of the three circuit breaker states (spec §4.2).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a CircuitBreaker. Zero values fall back to the
// defaults named in spec §4.2 (3 failures to open, 30s reset, 3 successes
// in half-open to close).
type BreakerConfig struct {
	FailureThreshold         int
	HalfOpenSuccessThreshold int
	ResetTimeout             time.Duration
	OnOpen                   func(name string)
	OnClose                  func(name string)
	OnHalfOpen               func(name string)
}

// DefaultBreakerConfig returns the default thresholds (spec §4.2).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         3,
		HalfOpenSuccessThreshold: 3,
		ResetTimeout:             30 * time.Second,
	}
}

// CircuitBreaker implements the closed/open/half-open state machine of
// spec §4.2 and §8 invariant 6.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	nextAttemptAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker named name.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenSuccessThreshold <= 0 {
		config.HalfOpenSuccessThreshold = DefaultBreakerConfig().HalfOpenSuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{name: name, config: config, state: StateClosed}
}

// ErrCircuitOpen is wrapped into a DegradedError so the resilience stack's
// error is distinguishable from an upstream failure (spec §7).
type ErrCircuitOpen struct {
	Name          string
	NextAttemptAt time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Name, e.NextAttemptAt.Format(time.RFC3339))
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		return nil
	case StateOpen:
		if time.Now().Before(cb.nextAttemptAt) {
			return syncerrors.NewDegradedError(&ErrCircuitOpen{Name: cb.name, NextAttemptAt: cb.nextAttemptAt}, "")
		}
		cb.transition(StateHalfOpen)
		cb.successCount = 0
		return nil
	}
	return nil
}

// Mark records the outcome of a call that Allow permitted.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenSuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	case StateOpen:
		// Already open; extend the window from this failure.
		cb.nextAttemptAt = time.Now().Add(cb.config.ResetTimeout)
	}
}

func (cb *CircuitBreaker) open() {
	cb.successCount = 0
	cb.nextAttemptAt = time.Now().Add(cb.config.ResetTimeout)
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		if cb.config.OnOpen != nil {
			go cb.config.OnOpen(cb.name)
		}
	case StateClosed:
		if cb.config.OnClose != nil {
			go cb.config.OnClose(cb.name)
		}
	case StateHalfOpen:
		if cb.config.OnHalfOpen != nil {
			go cb.config.OnHalfOpen(cb.name)
		}
	}
}

// State returns the current state under lock.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute is a convenience wrapper: Allow, run fn, Mark.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Mark(err)
	return err
}
