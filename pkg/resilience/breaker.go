package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is one of the three circuit states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// CircuitOpenError is returned by Allow while the circuit is open. It
// carries how long until the next half-open probe and how many failures
// tripped the circuit.
type CircuitOpenError struct {
	Remaining time.Duration
	Failures  int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open after %d failures, next probe in %dms", e.Failures, e.Remaining.Milliseconds())
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	IsFailure        func(error) bool
	OnStateChange    func(from, to BreakerState)
}

// CircuitBreaker implements closed → open → half-open → closed. In the
// closed state each success resets the failure count; FailureThreshold
// consecutive counted failures open the circuit. Open rejects every
// call until ResetTimeout elapses, then the next Allow moves to
// half-open. SuccessThreshold successes there close the circuit; any
// failure re-opens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	clock     func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, clock: time.Now}
}

// WithClock replaces the wall clock. Tests use it to step through the
// reset timeout without sleeping.
func (b *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	return b
}

// Allow reports whether a call may proceed. While open it returns a
// CircuitOpenError; once the reset timeout has elapsed it transitions
// to half-open and lets the probe through.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return &CircuitOpenError{
				Remaining: b.cfg.ResetTimeout - elapsed,
				Failures:  b.failures,
			}
		}
		b.transition(StateHalfOpen)
		b.successes = 0
	}
	return nil
}

// Success records a successful call.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// Failure records a failed call. Errors rejected by IsFailure do not
// count toward the threshold.
func (b *CircuitBreaker) Failure(err error) {
	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = b.clock()
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		b.openedAt = b.clock()
	}
}

// State returns the current state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current counted failure total.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with the lock held.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
