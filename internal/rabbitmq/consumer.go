package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/biglist/biglist-go/internal/reliability"
)

// Envelope is one inbound message. DeliveryTag is scoped to the channel the
// message arrived on and is acked or nacked exactly once by the Consumer.
type Envelope struct {
	DeliveryTag uint64
	Body        []byte
	Persistent  bool
	MessageID   string
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Headers     amqp.Table
}

func newEnvelope(d amqp.Delivery) Envelope {
	return Envelope{
		DeliveryTag: d.DeliveryTag,
		Body:        d.Body,
		Persistent:  d.DeliveryMode == amqp.Persistent,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Headers:     d.Headers,
	}
}

// MessageHandler processes one envelope. A nil error acks the message;
// anything else nacks it without requeue so it lands on the dead-letter
// queue.
type MessageHandler func(ctx context.Context, env Envelope) error

// Consumer runs supervised consume loops with manual acknowledgement
type Consumer struct {
	sup              *Supervisor
	topology         *TopologyManager
	requeueOnError   bool
	resubscribeDelay time.Duration
	sleep            reliability.SleepFunc
	logger           *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRequeueOnError nacks failed messages with requeue instead of
// dead-lettering them. Only meant for consumers of the dead-letter queue.
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithResubscribeDelay sets the pause before re-subscribing after the
// delivery stream ends or subscribing fails
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = d
	}
}

// WithConsumerSleep replaces the wait used between re-subscriptions
func WithConsumerSleep(sleep reliability.SleepFunc) ConsumerOption {
	return func(c *Consumer) {
		c.sleep = sleep
	}
}

// NewConsumer creates a new consumer
func NewConsumer(sup *Supervisor, topology *TopologyManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		sup:              sup,
		topology:         topology,
		resubscribeDelay: time.Second,
		sleep:            reliability.Sleep,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume declares d and runs the consume loop until ctx is cancelled.
// Messages are handled one at a time in delivery order. When the channel
// or connection is lost the loop re-subscribes through the supervisor.
// Cancellation is checked between deliveries; a running handler finishes
// first. Consume returns nil on cancellation and an error only for
// topology problems an operator has to fix.
func (c *Consumer) Consume(ctx context.Context, d Descriptor, handler MessageHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, tag, err := c.subscribe(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var topoErr *TopologyError
			if errors.As(err, &topoErr) && !topoErr.IsRetryable() {
				c.logger.Error("consumer stopped on topology error", "queue", d.Queue, "error", err)
				return err
			}

			c.logger.Error("subscribe failed, will retry",
				"queue", d.Queue,
				"exchange", d.Exchange,
				"nextRetryIn", c.resubscribeDelay,
				"error", err)
			if err := c.sleep(ctx, c.resubscribeDelay); err != nil {
				return nil
			}
			continue
		}

		c.logger.Info("consumer started", "queue", d.Queue, "exchange", d.Exchange, "consumerTag", tag)

		if stopped := c.drain(ctx, d.Queue, deliveries, handler); stopped {
			c.stop(d.Queue, tag, deliveries)
			return nil
		}

		c.logger.Warn("delivery stream closed, re-subscribing", "queue", d.Queue, "consumerTag", tag)
		if err := c.sleep(ctx, c.resubscribeDelay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) subscribe(ctx context.Context, d Descriptor) (<-chan amqp.Delivery, string, error) {
	if err := c.topology.Declare(ctx, d); err != nil {
		return nil, "", err
	}

	tag := d.Queue + "-" + uuid.NewString()
	var deliveries <-chan amqp.Delivery
	err := c.sup.withChannel(ctx, func(sess *session) error {
		var err error
		deliveries, err = sess.ch.Consume(
			d.Queue,
			tag,
			false, // manual ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		return nil, "", &ConsumerError{
			Queue:       d.Queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	return deliveries, tag, nil
}

// drain handles deliveries until the stream closes or ctx is cancelled.
// It reports whether ctx stopped it.
func (c *Consumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handle(ctx, queue, d, handler)
		}
	}
}

// handle invokes handler and settles the delivery exactly once
func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler MessageHandler) {
	env := newEnvelope(d)

	err := c.invoke(context.WithoutCancel(ctx), env, handler)
	if err == nil {
		if ackErr := c.sup.serialize(func() error { return d.Ack(false) }); ackErr != nil {
			c.logger.Error("ack failed, broker will redeliver",
				"queue", queue,
				"deliveryTag", d.DeliveryTag,
				"error", ackErr)
		}
		return
	}

	c.logger.Error("message handling failed",
		"queue", queue,
		"deliveryTag", d.DeliveryTag,
		"messageId", d.MessageId,
		"requeue", c.requeueOnError,
		"error", err)

	if nackErr := c.sup.serialize(func() error { return d.Nack(false, c.requeueOnError) }); nackErr != nil {
		c.logger.Error("nack failed, broker will redeliver",
			"queue", queue,
			"deliveryTag", d.DeliveryTag,
			"error", nackErr)
	}
}

// invoke runs handler, turning a panic into an error
func (c *Consumer) invoke(ctx context.Context, env Envelope, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// stop cancels the consumer and hands back prefetched deliveries that were
// never handled
func (c *Consumer) stop(queue, tag string, deliveries <-chan amqp.Delivery) {
	if sess := c.sup.live(); sess != nil {
		if err := c.sup.serialize(func() error { return sess.ch.Cancel(tag, false) }); err != nil {
			c.logger.Warn("consumer cancel failed", "queue", queue, "consumerTag", tag, "error", err)
		}
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
				return
			}
			_ = c.sup.serialize(func() error { return d.Nack(false, true) })
		default:
			c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
			return
		}
	}
}

// ErrLeaveInQueue returned by a Drain handler keeps the message on the queue
var ErrLeaveInQueue = errors.New("rabbitmq: leave message in queue")

// Drain pulls up to max messages from queue with basic.get and passes each
// to handler. Handled messages are acked. Messages whose handler fails are
// held until the drain ends and then requeued, so each message is seen at
// most once per call. Drain stops early when the queue is empty.
func (c *Consumer) Drain(ctx context.Context, queue string, max int, handler MessageHandler) (int, error) {
	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			_ = c.sup.serialize(func() error { return d.Nack(false, true) })
		}
	}()

	handled := 0
	for i := 0; i < max; i++ {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}

		var (
			d  amqp.Delivery
			ok bool
		)
		err := c.sup.withChannel(ctx, func(sess *session) error {
			var err error
			d, ok, err = sess.ch.Get(queue, false)
			return err
		})
		if err != nil {
			return handled, &ConsumerError{Queue: queue, Op: "get", Err: err, Timestamp: time.Now()}
		}
		if !ok {
			break
		}

		if err := c.invoke(ctx, newEnvelope(d), handler); err != nil {
			if !errors.Is(err, ErrLeaveInQueue) {
				c.logger.Error("drain handler failed, message kept",
					"queue", queue,
					"deliveryTag", d.DeliveryTag,
					"error", err)
			}
			held = append(held, d)
			continue
		}

		if err := c.sup.serialize(func() error { return d.Ack(false) }); err != nil {
			return handled, &ConsumerError{Queue: queue, Op: "ack", Err: err, Timestamp: time.Now()}
		}
		handled++
	}

	return handled, nil
}
