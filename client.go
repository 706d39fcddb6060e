// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package biglist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/biglist/biglist-go/internal/config"
	"github.com/biglist/biglist-go/internal/rabbitmq"
	"github.com/biglist/biglist-go/internal/reliability"
	"github.com/biglist/biglist-go/messaging"
)

// Client owns one broker connection and hands out the publisher,
// subscriber and topology manager built on it. Services create one Client
// at startup and pass it down; nothing is shared through globals.
type Client struct {
	supervisor *rabbitmq.Supervisor
	topology   *rabbitmq.TopologyManager
	consumer   *rabbitmq.Consumer
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	logger     *slog.Logger
}

// NewClient creates a client for the broker at url. The connection is
// opened lazily by the first operation, or eagerly by Connect.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.New("broker url is required")
	}

	cfg := &clientConfig{
		logger:           slog.Default(),
		retries:          3,
		retryBase:        2 * time.Second,
		recoveryInterval: 10 * time.Second,
		prefetch:         1,
	}

	for _, opt := range options {
		opt(cfg)
	}

	supOpts := []rabbitmq.SupervisorOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithRetry(cfg.retries, cfg.retryBase),
		rabbitmq.WithRecoveryInterval(cfg.recoveryInterval),
		rabbitmq.WithPrefetch(cfg.prefetch),
	}
	if cfg.dialer != nil {
		supOpts = append(supOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.sleep != nil {
		supOpts = append(supOpts, rabbitmq.WithSleep(cfg.sleep))
	}
	supervisor := rabbitmq.NewSupervisor(url, supOpts...)

	var topoOpts []rabbitmq.TopologyOption
	if cfg.deadLetter != nil {
		topoOpts = append(topoOpts, rabbitmq.WithDeadLetter(*cfg.deadLetter))
	}
	topology := rabbitmq.NewTopologyManager(supervisor, topoOpts...)

	pubOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.logger)}
	if cfg.confirmTimeout > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithConfirmTimeout(cfg.confirmTimeout))
	}
	transport := rabbitmq.NewPublisher(supervisor, topology, pubOpts...)

	consOpts := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.logger)}
	if cfg.sleep != nil {
		consOpts = append(consOpts, rabbitmq.WithConsumerSleep(cfg.sleep))
	}
	consumer := rabbitmq.NewConsumer(supervisor, topology, consOpts...)

	return &Client{
		supervisor: supervisor,
		topology:   topology,
		consumer:   consumer,
		publisher:  messaging.NewPublisher(transport, messaging.WithPublisherLogger(cfg.logger)),
		subscriber: messaging.NewSubscriber(consumer, messaging.WithSubscriberLogger(cfg.logger)),
		logger:     cfg.logger,
	}, nil
}

// Connect opens the connection and channel now, within the retry budget
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.supervisor.EnsureReady(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Publisher returns the typed publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Topology returns the topology manager
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// Consumer returns the raw consumer, used for draining queues
func (c *Client) Consumer() *rabbitmq.Consumer {
	return c.consumer
}

// Supervisor returns the connection supervisor
func (c *Client) Supervisor() *rabbitmq.Supervisor {
	return c.supervisor
}

// PublishToQueue sends payload straight to queue
func (c *Client) PublishToQueue(ctx context.Context, queue string, payload any) error {
	return c.publisher.PublishToQueue(ctx, queue, payload)
}

// PublishDirect routes payload through a direct exchange
func (c *Client) PublishDirect(ctx context.Context, exchange, routingKey string, payload any) error {
	return c.publisher.PublishDirect(ctx, exchange, routingKey, payload)
}

// PublishFanout broadcasts payload on a fanout exchange
func (c *Client) PublishFanout(ctx context.Context, exchange string, payload any) error {
	return c.publisher.PublishFanout(ctx, exchange, payload)
}

// Close stops every subscription and then closes the connection
func (c *Client) Close() error {
	subErr := c.subscriber.Close()
	supErr := c.supervisor.Close()
	return errors.Join(subErr, supErr)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	dialer           rabbitmq.Dialer
	sleep            reliability.SleepFunc
	retries          int
	retryBase        time.Duration
	recoveryInterval time.Duration
	prefetch         int
	confirmTimeout   time.Duration
	deadLetter       *rabbitmq.DeadLetter
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

// WithSleep replaces the wait between retries
func WithSleep(sleep reliability.SleepFunc) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sleep = sleep
	}
}

// WithRetry sets the connection retry budget
func WithRetry(retries int, base time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retries = retries
		cfg.retryBase = base
	}
}

// WithRecoveryInterval sets the background reconnect interval; zero
// disables it
func WithRecoveryInterval(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.recoveryInterval = d
	}
}

// WithPrefetch sets the per-consumer prefetch
func WithPrefetch(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = count
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmTimeout = d
	}
}

// WithDeadLetter replaces the default dlx.exchange / dlx.queue pair
func WithDeadLetter(dl rabbitmq.DeadLetter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetter = &dl
	}
}

// WithAMQPConfig applies the amqp section of the service configuration
func WithAMQPConfig(c config.AMQPConfig) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retries = c.RetryAttempts
		cfg.retryBase = c.RetryBase
		cfg.recoveryInterval = c.RecoveryInterval
		cfg.prefetch = c.Prefetch
		cfg.confirmTimeout = c.PublishTimeout
	}
}
