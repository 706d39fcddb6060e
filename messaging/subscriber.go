package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/biglist/biglist-go/contracts"
	"github.com/biglist/biglist-go/internal/rabbitmq"
)

// Topology names the exchange and queue a subscription binds
type Topology = rabbitmq.Descriptor

// ExchangeKind is either Direct or Fanout
type ExchangeKind = rabbitmq.ExchangeKind

// Exchange kinds
var (
	Direct = rabbitmq.Direct
	Fanout = rabbitmq.Fanout
)

// Handler applies one decoded message. Returning an error dead-letters the
// message; returning an error matching contracts.ErrStaleUpdate acks it.
type Handler[T any] func(ctx context.Context, msg T) error

// Subscriber starts consume loops and keeps track of them for Close
type Subscriber struct {
	consumer *rabbitmq.Consumer
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a subscriber on top of the broker consumer
func NewSubscriber(consumer *rabbitmq.Consumer, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		consumer:      consumer,
		logger:        slog.Default(),
		subscriptions: make(map[*Subscription]struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Subscription is a running consume loop
type Subscription struct {
	Topology Topology

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop cancels the loop, waits for the in-flight message to finish and
// returns the error the loop ended with
func (s *Subscription) Stop() error {
	s.cancel()
	<-s.done
	return s.err
}

// Done is closed when the loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the loop exited. It is nil while running and after a
// normal stop.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe declares topology and starts handling its messages as T in the
// background. Messages are handled one at a time in delivery order. The
// loop runs until ctx is cancelled or the subscription is stopped.
func Subscribe[T any](ctx context.Context, s *Subscriber, topology Topology, handler Handler[T]) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Topology: topology,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.subscriptions[sub] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("subscribing",
		"exchange", topology.Exchange,
		"queue", topology.Queue,
		"kind", topology.Kind.String())

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subscriptions, sub)
			s.mu.Unlock()
			close(sub.done)
		}()

		sub.err = s.consumer.Consume(subCtx, topology, decoding(s.logger, topology.Queue, handler))
		if sub.err != nil {
			s.logger.Error("subscription ended", "queue", topology.Queue, "error", sub.err)
		}
	}()

	return sub
}

// Close stops every running subscription
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subscriptions))
	for sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decoding adapts a typed handler to the transport handler
func decoding[T any](logger *slog.Logger, queue string, handler Handler[T]) rabbitmq.MessageHandler {
	return func(ctx context.Context, env rabbitmq.Envelope) error {
		msg, err := Decode[T](env.Body)
		if err != nil {
			return err
		}

		err = handler(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, contracts.ErrStaleUpdate):
			logger.Warn("stale update acknowledged without effect",
				"queue", queue,
				"deliveryTag", env.DeliveryTag,
				"error", err)
			return nil
		}

		var handlerErr *contracts.HandlerError
		if errors.As(err, &handlerErr) {
			return err
		}
		return &contracts.HandlerError{Handler: queue, Err: err}
	}
}
