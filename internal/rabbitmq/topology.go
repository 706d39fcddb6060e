package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dead-letter pair every application queue is routed to by default
const (
	DefaultDeadLetterExchange   = "dlx.exchange"
	DefaultDeadLetterQueue      = "dlx.queue"
	DefaultDeadLetterRoutingKey = "dlx.queue"
)

// ExchangeKind is the routing behaviour of an exchange. Only Direct and
// Fanout exist; the zero value is invalid.
type ExchangeKind struct {
	kind string
}

var (
	// Direct routes by exact routing key; bindings use the queue name
	Direct = ExchangeKind{kind: amqp.ExchangeDirect}
	// Fanout delivers to every bound queue and ignores the routing key
	Fanout = ExchangeKind{kind: amqp.ExchangeFanout}
)

func (k ExchangeKind) String() string {
	if k.kind == "" {
		return "invalid"
	}
	return k.kind
}

// Valid reports whether k is Direct or Fanout
func (k ExchangeKind) Valid() bool {
	return k == Direct || k == Fanout
}

// Descriptor names an exchange, its kind and the queue bound to it
type Descriptor struct {
	Exchange string
	Kind     ExchangeKind
	Queue    string
}

// BindingKey is the routing key used to bind Queue to Exchange: empty for
// Fanout, the queue name for Direct
func (d Descriptor) BindingKey() string {
	if d.Kind == Fanout {
		return ""
	}
	return d.Queue
}

func (d Descriptor) validate() error {
	switch {
	case !d.Kind.Valid():
		return fmt.Errorf("%w: exchange kind %s", ErrInvalidTopology, d.Kind)
	case d.Exchange == "":
		return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
	case d.Queue == "":
		return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
	}
	return nil
}

// DeadLetter is the fixed dead-letter exchange/queue pair
type DeadLetter struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// QueueArgs returns the declare-time arguments routing rejected messages
// to this pair
func (dl DeadLetter) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dl.Exchange,
		"x-dead-letter-routing-key": dl.RoutingKey,
	}
}

// TopologyManager declares exchanges, queues and bindings. All entities are
// durable, non-exclusive and never auto-deleted.
type TopologyManager struct {
	sup        *Supervisor
	deadLetter DeadLetter

	mu sync.Mutex
	// channel generation on which the dead-letter pair was last declared
	deadLetterGeneration uint64
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithDeadLetter overrides the dead-letter pair
func WithDeadLetter(dl DeadLetter) TopologyOption {
	return func(tm *TopologyManager) {
		tm.deadLetter = dl
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(sup *Supervisor, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		sup: sup,
		deadLetter: DeadLetter{
			Exchange:   DefaultDeadLetterExchange,
			Queue:      DefaultDeadLetterQueue,
			RoutingKey: DefaultDeadLetterRoutingKey,
		},
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// DeadLetter returns the dead-letter pair
func (tm *TopologyManager) DeadLetter() DeadLetter {
	return tm.deadLetter
}

// Declare declares the dead-letter pair, then d's exchange, its queue with
// dead-letter arguments and the binding between them. Declaring the same
// descriptor again is a no-op; a conflicting redeclaration fails with a
// *TopologyError wrapping ErrTopologyConflict.
func (tm *TopologyManager) Declare(ctx context.Context, d Descriptor) error {
	if err := d.validate(); err != nil {
		return tm.topologyError("exchange", d.Exchange, "validate", err)
	}

	return tm.sup.withChannel(ctx, func(sess *session) error {
		if err := tm.declareDeadLetterLocked(sess); err != nil {
			return err
		}
		if err := tm.declareExchange(sess.ch, d.Exchange, d.Kind); err != nil {
			return err
		}
		if err := tm.declareQueue(sess.ch, d.Queue); err != nil {
			return err
		}
		return tm.bindQueue(sess.ch, d.Queue, d.BindingKey(), d.Exchange)
	})
}

// DeclareExchange declares a single durable exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error {
	if !kind.Valid() {
		return tm.topologyError("exchange", name, "validate",
			fmt.Errorf("%w: exchange kind %s", ErrInvalidTopology, kind))
	}

	return tm.sup.withChannel(ctx, func(sess *session) error {
		return tm.declareExchange(sess.ch, name, kind)
	})
}

// DeclareQueue declares a durable queue wired to the dead-letter pair
func (tm *TopologyManager) DeclareQueue(ctx context.Context, name string) error {
	return tm.sup.withChannel(ctx, func(sess *session) error {
		if err := tm.declareDeadLetterLocked(sess); err != nil {
			return err
		}
		return tm.declareQueue(sess.ch, name)
	})
}

// DeclareDeadLetter declares only the dead-letter pair
func (tm *TopologyManager) DeclareDeadLetter(ctx context.Context) error {
	return tm.sup.withChannel(ctx, func(sess *session) error {
		return tm.declareDeadLetterLocked(sess)
	})
}

// declareDeadLetterLocked declares the pair once per channel generation.
// The caller holds the channel operation lock.
func (tm *TopologyManager) declareDeadLetterLocked(sess *session) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deadLetterGeneration == sess.generation {
		return nil
	}

	dl := tm.deadLetter
	if err := tm.declareExchange(sess.ch, dl.Exchange, Direct); err != nil {
		return err
	}

	if _, err := sess.ch.QueueDeclare(
		dl.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // the dead-letter queue itself is not dead-lettered
	); err != nil {
		return tm.topologyError("queue", dl.Queue, "declare", asConflict(err))
	}

	if err := tm.bindQueue(sess.ch, dl.Queue, dl.RoutingKey, dl.Exchange); err != nil {
		return err
	}

	tm.deadLetterGeneration = sess.generation
	return nil
}

func (tm *TopologyManager) declareExchange(ch Channel, name string, kind ExchangeKind) error {
	err := ch.ExchangeDeclare(
		name,
		kind.kind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return tm.topologyError("exchange", name, "declare", asConflict(err))
	}
	return nil
}

func (tm *TopologyManager) declareQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		tm.deadLetter.QueueArgs(),
	)
	if err != nil {
		return tm.topologyError("queue", name, "declare", asConflict(err))
	}
	return nil
}

func (tm *TopologyManager) bindQueue(ch Channel, queue, key, exchange string) error {
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return tm.topologyError("binding", queue+"->"+exchange, "bind", asConflict(err))
	}
	return nil
}

func (tm *TopologyManager) topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
