package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages through the supervisor's channel
// and waits for the broker to confirm each one
type Publisher struct {
	sup            *Supervisor
	topology       *TopologyManager
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(sup *Supervisor, topology *TopologyManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		sup:            sup,
		topology:       topology,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishToQueue declares queue with dead-letter arguments and publishes
// body to it through the default exchange. Delivery is mandatory.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	if err := p.topology.DeclareQueue(ctx, queue); err != nil {
		return err
	}
	return p.Publish(ctx, "", queue, true, body)
}

// PublishDirect declares exchange as Direct and publishes body with
// routingKey. Delivery is mandatory unless routingKey is empty.
func (p *Publisher) PublishDirect(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.topology.DeclareExchange(ctx, exchange, Direct); err != nil {
		return err
	}
	return p.Publish(ctx, exchange, routingKey, routingKey != "", body)
}

// PublishFanout declares exchange as Fanout and broadcasts body. Having no
// bound queue is not an error.
func (p *Publisher) PublishFanout(ctx context.Context, exchange string, body []byte) error {
	if err := p.topology.DeclareExchange(ctx, exchange, Fanout); err != nil {
		return err
	}
	return p.Publish(ctx, exchange, "", false, body)
}

// Publish sends body as a persistent JSON message and blocks until the
// broker confirms it. A mandatory message the broker cannot route fails
// with ErrUnroutable. A connection lost mid-publish is reported, not retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	err := p.sup.withChannel(ctx, func(sess *session) error {
		return p.publishWithConfirm(ctx, sess, exchange, routingKey, mandatory, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)
	return nil
}

// publishWithConfirm runs with the channel operation lock held, so the
// next sequence number belongs to this message
func (p *Publisher) publishWithConfirm(ctx context.Context, sess *session, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	seq := sess.ch.GetNextPublishSeqNo()
	p.drainStaleConfirms(sess, seq)

	if err := sess.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		mandatory,
		false, // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	returns := sess.returns
	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			if ret.MessageId == msg.MessageId {
				returned = &ret
			}

		case confirm, ok := <-sess.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < seq {
				// confirm for an earlier publish that timed out
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			if returned == nil {
				returned = p.pendingReturn(sess, msg.MessageId)
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrUnroutable, returned.ReplyCode, returned.ReplyText)
			}
			return nil

		case <-timeout.C:
			return ErrConfirmTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainStaleConfirms discards buffered confirms for publishes before seq
// that gave up waiting
func (p *Publisher) drainStaleConfirms(sess *session, seq uint64) {
	for {
		select {
		case confirm, ok := <-sess.confirms:
			if !ok {
				return
			}
			p.logger.Debug("discarding late confirm", "deliveryTag", confirm.DeliveryTag, "next", seq)
		default:
			return
		}
	}
}

// pendingReturn picks up a basic.return dispatched ahead of its confirm
func (p *Publisher) pendingReturn(sess *session, messageID string) *amqp.Return {
	for {
		select {
		case ret, ok := <-sess.returns:
			if !ok {
				return nil
			}
			if ret.MessageId == messageID {
				return &ret
			}
		default:
			return nil
		}
	}
}
