package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the
	// given zero-based attempt failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay before the retry following attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy.
// The delay after attempt n is InitialInterval * Multiplier^n.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// NewBrokerBackoff returns the connection retry policy used by the broker
// supervisor: retries delays of base, base*2, base*4, ... with no jitter.
// With base=2s and retries=3 this waits 2s, 4s, 8s.
func NewBrokerBackoff(base time.Duration, retries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: base,
		MaxInterval:     base * time.Duration(1<<uint(max(retries, 1))),
		Multiplier:      2.0,
		MaxAttempts:     retries,
		Jitter:          false,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy. A negative maxRetries
// retries until the context is cancelled.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier runs an operation under a RetryPolicy
type Retrier struct {
	Policy RetryPolicy
	// Sleep waits between attempts; defaults to Sleep
	Sleep SleepFunc
	// OnRetry is called before each wait with the failed attempt number
	// (1-based), the upcoming delay and the error that caused it
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do executes fn until it succeeds, the policy gives up or ctx is done.
// When the policy gives up the last error is returned wrapped in a RetryError.
func (r Retrier) Do(ctx context.Context, op string, fn func() error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := r.Policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: r.Policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt+1, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return Retrier{Policy: policy}.Do(ctx, "operation", fn)
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}
