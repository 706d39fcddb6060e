// Package reliability provides the failure-handling building blocks shared by
// the broker client and the services built on it.
//
// This package implements:
//   - Retry policies: exponential backoff (the broker supervisor's 2s/4s/8s
//     budget) and fixed delay, run by a Retrier with an injectable sleep
//   - Circuit Breaker: fails calls to an unhealthy dependency fast
//   - Dead letter replay: reads the broker's x-death header and moves a
//     rejected message back to its original queue
//
// Example usage:
//
//	retrier := Retrier{Policy: NewBrokerBackoff(2*time.Second, 3)}
//	err := retrier.Do(ctx, "connect", func() error {
//	    return dial()
//	})
package reliability
