package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Dead letter errors
	ErrNoOriginalQueue = errors.New("dead letter: original queue unknown")
)

// CircuitBreakerError represents a circuit breaker error with context
type CircuitBreakerError struct {
	Name             string
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open: %s blocked (failures=%d/%d, retry after %s)",
			e.Name, e.Op, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: %s limited", e.Name, e.Op)
	default:
		return fmt.Sprintf("circuit breaker %s error: %s in state %v", e.Name, e.Op, e.State)
	}
}

// Is lets errors.Is(err, ErrCircuitOpen) match any rejection
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false: a rejected call should not be hammered
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
