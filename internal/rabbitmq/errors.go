package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("rabbitmq: not connected")
	ErrSupervisorClosed = errors.New("rabbitmq: supervisor is closed")
	ErrChannelClosed    = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrUnroutable     = errors.New("rabbitmq: message returned as unroutable")
	ErrPublishNacked  = errors.New("rabbitmq: publish nacked by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: timed out waiting for publish confirm")

	// Topology errors
	ErrTopologyConflict = errors.New("rabbitmq: declaration conflicts with existing topology")
	ErrInvalidTopology  = errors.New("rabbitmq: invalid topology descriptor")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false for conflicting declarations; those need an
// operator to recreate the entity.
func (e *TopologyError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrTopologyConflict) && !errors.Is(e.Err, ErrInvalidTopology)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrSupervisorClosed):
		return false
	case errors.Is(err, ErrTopologyConflict):
		return false
	case errors.Is(err, ErrInvalidTopology):
		return false
	case errors.Is(err, ErrUnroutable):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// asConflict maps a PRECONDITION_FAILED reply to ErrTopologyConflict
func asConflict(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s", ErrTopologyConflict, amqpErr.Reason)
	}
	return err
}
