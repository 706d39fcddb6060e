package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker fails calls fast once a dependency keeps failing.
// It never retries on its own; callers decide what a rejection means.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	currentHalfOpen  int
	name             string
	now              func() time.Time

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the failure threshold
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the success threshold for half-open state
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max requests in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.currentHalfOpen = 0
	if old != StateClosed {
		cb.notifyStateChange(old, StateClosed, "reset")
	}
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if !cb.now().Before(nextRetry) {
			cb.transition(StateHalfOpen, "timeout expired")
			cb.currentHalfOpen = 1
			cb.successes = 0
			return nil
		}
		return cb.rejection(nextRetry)

	case StateHalfOpen:
		if cb.currentHalfOpen >= cb.halfOpenRequests {
			return cb.rejection(cb.now().Add(time.Second))
		}
		cb.currentHalfOpen++
		return nil

	default:
		return ErrUnknownState
	}
}

// release gives back a half-open slot taken by a call that never ran
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.currentHalfOpen > 0 {
		cb.currentHalfOpen--
	}
}

func (cb *CircuitBreaker) rejection(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Op:               "execute",
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextRetry:        nextRetry,
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
			cb.currentHalfOpen = 0
		}
		cb.successes = 0
		return
	}

	cb.successes++
	cb.totalSuccesses++

	switch cb.state {
	case StateHalfOpen:
		if cb.currentHalfOpen > 0 {
			cb.currentHalfOpen--
		}
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
			cb.failures = 0
			cb.currentHalfOpen = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.notifyStateChange(from, to, reason)
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		CurrentFailures:  cb.failures,
		CurrentSuccesses: cb.successes,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	CurrentFailures  int
	CurrentSuccesses int
	LastFailureTime  time.Time
}
