package messaging

import (
	"context"
	"log/slog"

	"github.com/biglist/biglist-go/internal/rabbitmq"
)

// Publisher encodes payloads as JSON and publishes them persistently under
// one of three distribution modes
type Publisher struct {
	transport *rabbitmq.Publisher
	logger    *slog.Logger
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on top of the broker transport
func NewPublisher(transport *rabbitmq.Publisher, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishToQueue sends payload point-to-point to queue through the default
// exchange. The queue is declared with dead-letter arguments first and the
// publish fails if the broker cannot route it.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, payload any) error {
	body, err := Encode(payload)
	if err != nil {
		return err
	}

	if err := p.transport.PublishToQueue(ctx, queue, body); err != nil {
		p.logger.Error("publish to queue failed", "queue", queue, "error", err)
		return err
	}

	p.logger.Debug("published to queue", "queue", queue, "type", typeName(payload))
	return nil
}

// PublishDirect sends payload to a direct exchange with routingKey
func (p *Publisher) PublishDirect(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := Encode(payload)
	if err != nil {
		return err
	}

	if err := p.transport.PublishDirect(ctx, exchange, routingKey, body); err != nil {
		p.logger.Error("publish direct failed", "exchange", exchange, "routingKey", routingKey, "error", err)
		return err
	}

	p.logger.Debug("published direct", "exchange", exchange, "routingKey", routingKey, "type", typeName(payload))
	return nil
}

// PublishFanout broadcasts payload to every queue bound to exchange. Having
// no subscribers is not an error.
func (p *Publisher) PublishFanout(ctx context.Context, exchange string, payload any) error {
	body, err := Encode(payload)
	if err != nil {
		return err
	}

	if err := p.transport.PublishFanout(ctx, exchange, body); err != nil {
		p.logger.Error("publish fanout failed", "exchange", exchange, "error", err)
		return err
	}

	p.logger.Debug("published fanout", "exchange", exchange, "type", typeName(payload))
	return nil
}
