package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// is open and the recovery timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker guards one named external dependency. It opens after
// FailureThreshold consecutive failures, rejects calls while open, and
// allows a single trial call once RecoveryTimeout has elapsed since the
// last failure. It is intended for single-writer use per resource.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
}

// BreakerView is a read-only snapshot for observability.
type BreakerView struct {
	Name            string
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	Threshold       int
	RecoveryTimeout time.Duration
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteCtx runs fn under breaker protection with a context. The state
// transition logic is identical to Execute.
func (cb *CircuitBreaker) ExecuteCtx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// allow decides whether the next call may proceed, moving Open to
// HalfOpen when the recovery timeout has elapsed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if time.Since(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			return nil
		}
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failureCount = 0
		cb.state = BreakerClosed
		return
	}

	cb.failureCount++
	cb.lastFailureTime = time.Now().UTC()
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = BreakerOpen
	}
}

// Reset forces the breaker back to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.state = BreakerClosed
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// View returns a snapshot of the breaker for observability.
func (cb *CircuitBreaker) View() BreakerView {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerView{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		Threshold:       cb.failureThreshold,
		RecoveryTimeout: cb.recoveryTimeout,
	}
}
