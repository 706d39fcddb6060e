package health

import (
	"context"
	"time"

	"github.com/biglist/biglist-go/internal/rabbitmq"
	"github.com/biglist/biglist-go/internal/reliability"
)

// BrokerConnection is the part of the connection supervisor a checker reads
type BrokerConnection interface {
	State() rabbitmq.State
	Generation() uint64
}

// BrokerChecker reports the state of the broker connection
type BrokerChecker struct {
	conn BrokerConnection
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn BrokerConnection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check maps Open to healthy, Connecting and Degraded to degraded and
// Closed to unhealthy
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":      state.String(),
			"generation": c.conn.Generation(),
		},
	}

	switch state {
	case rabbitmq.StateOpen:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	case rabbitmq.StateConnecting, rabbitmq.StateDegraded:
		result.Status = StatusDegraded
		result.Message = "Connection is recovering"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker reports a circuit breaker's state. An open circuit
// degrades the service without making it unhealthy.
type CircuitBreakerChecker struct {
	cb *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for cb
func NewCircuitBreakerChecker(cb *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{cb: cb}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_" + c.cb.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.cb.GetMetrics()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":            m.State.String(),
			"total_requests":   m.TotalRequests,
			"total_failures":   m.TotalFailures,
			"current_failures": m.CurrentFailures,
		},
	}
	if !m.LastFailureTime.IsZero() {
		result.Details["last_failure"] = m.LastFailureTime
	}

	if m.State == reliability.StateClosed {
		result.Status = StatusHealthy
		result.Message = "Circuit is closed"
	} else {
		result.Status = StatusDegraded
		result.Message = "Circuit is " + m.State.String()
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker pings a database
type DatabaseChecker struct {
	name string
	db   Pinger
}

// NewDatabaseChecker creates a checker named name for db
func NewDatabaseChecker(name string, db Pinger) *DatabaseChecker {
	return &DatabaseChecker{name: name, db: db}
}

func (c *DatabaseChecker) Name() string {
	return c.name
}

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if err := c.db.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Database is unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Database is reachable"
	}

	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"response_time_ms": result.Duration.Milliseconds()}
	return result
}

// Subscription is satisfied by *messaging.Subscription
type Subscription interface {
	Done() <-chan struct{}
	Err() error
}

// SubscriptionChecker reports whether a consume loop is still running. A
// loop that has exited is unhealthy since nothing will restart it.
type SubscriptionChecker struct {
	name string
	sub  Subscription
}

// NewSubscriptionChecker creates a checker named "subscription_" + name
func NewSubscriptionChecker(name string, sub Subscription) *SubscriptionChecker {
	return &SubscriptionChecker{name: name, sub: sub}
}

func (c *SubscriptionChecker) Name() string {
	return "subscription_" + c.name
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	select {
	case <-c.sub.Done():
		result.Status = StatusUnhealthy
		result.Message = "Subscription has stopped"
		if err := c.sub.Err(); err != nil {
			result.Error = err.Error()
		}
	default:
		result.Status = StatusHealthy
		result.Message = "Subscription is running"
	}

	result.Duration = time.Since(start)
	return result
}
