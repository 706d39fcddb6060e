package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/biglist/biglist-go/internal/rabbitmq"
)

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel opens a new channel on the connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	b.nextChannel++
	ch := &Channel{
		broker:    b,
		conn:      c,
		id:        b.nextChannel,
		unacked:   make(map[uint64]inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection close
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(cause *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range append([]*Channel(nil), c.channels...) {
		ch.closeLocked(cause)
	}

	for _, n := range c.notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	c.notify = nil

	b := c.broker
	for i, other := range b.conns {
		if other == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
}

type consumer struct {
	tag   string
	ch    *Channel
	queue *queue
	out   chan amqp.Delivery
}

type inflight struct {
	queue *queue
	msg   *message
}

// Channel is an in-memory channel. It also acknowledges the deliveries it
// hands out.
type Channel struct {
	broker *Broker
	conn   *Connection
	id     int

	closed     bool
	confirming bool
	prefetch   int
	published  uint64
	lastTag    uint64
	unacked    map[uint64]inflight
	consumers  map[string]*consumer
	confirms   []chan amqp.Confirmation
	held       []amqp.Confirmation
	returns    []chan amqp.Return
}

// ID identifies the channel in Settlement records
func (ch *Channel) ID() int {
	return ch.id
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if kind != amqp.ExchangeDirect && kind != amqp.ExchangeFanout {
		return ch.failLocked(&amqp.Error{Code: amqp.CommandInvalid, Reason: "COMMAND_INVALID - unknown exchange type '" + kind + "'", Server: true})
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.failLocked(preconditionFailed("inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, ex.kind))
		}
		if ex.durable != durable {
			return ch.failLocked(preconditionFailed("inequivalent arg 'durable' for exchange '%s' in vhost '/'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.failLocked(preconditionFailed("inequivalent arg 'durable' for queue '%s' in vhost '/'", name))
		}
		if !sameArgs(q.args, args) {
			return amqp.Queue{}, ch.failLocked(preconditionFailed("inequivalent arg 'x-dead-letter-exchange' for queue '%s' in vhost '/'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(notFound("no exchange '%s' in vhost '/'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(notFound("no queue '%s' in vhost '/'", name))
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Qos records the prefetch count
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Confirm puts the channel in confirm mode
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish registers a listener for publisher confirms
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyReturn registers a listener for returned messages
func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

// GetNextPublishSeqNo returns the sequence number of the next publish
func (ch *Channel) GetNextPublishSeqNo() uint64 {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.published + 1
}

// PublishWithContext routes msg. Publishing to a missing exchange closes
// the channel with 404 after the call returns, as RabbitMQ does.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ch.confirming {
		ch.published++
	}

	m := &message{exchange: exchangeName, key: key, pub: msg, headers: msg.Headers}
	routed, err := b.routeLocked(exchangeName, key, m)
	if err != nil {
		amqpErr, _ := err.(*amqp.Error)
		ch.closeLocked(amqpErr)
		return nil
	}

	b.published = append(b.published, Published{
		Exchange:   exchangeName,
		RoutingKey: key,
		Mandatory:  mandatory,
		Routed:     routed,
		Msg:        msg,
	})

	if !routed && mandatory {
		ret := amqp.Return{
			ReplyCode:    312,
			ReplyText:    "NO_ROUTE",
			Exchange:     exchangeName,
			RoutingKey:   key,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Headers:      msg.Headers,
			Body:         msg.Body,
		}
		for _, r := range ch.returns {
			select {
			case r <- ret:
			default:
			}
		}
	}

	if ch.confirming {
		conf := amqp.Confirmation{DeliveryTag: ch.published, Ack: true}
		if b.holdConfirms {
			ch.held = append(ch.held, conf)
		} else {
			ch.confirmLocked(conf)
		}
	}

	return nil
}

// confirmLocked hands conf to every confirm listener. amqp091-go blocks its
// frame dispatcher on a full listener, so a full one is a violation.
func (ch *Channel) confirmLocked(conf amqp.Confirmation) {
	for _, c := range ch.confirms {
		select {
		case c <- conf:
		default:
			ch.broker.violationLocked("channel %d: confirm %d found its listener full (cap %d)",
				ch.id, conf.DeliveryTag, cap(c))
		}
	}
}

// Consume starts a consumer. Only manual acknowledgement is supported.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("rabbitmqtest: auto-ack is not supported")
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(notFound("no queue '%s' in vhost '/'", queueName))
	}

	if tag == "" {
		tag = fmt.Sprintf("ctag-%d.%d", ch.id, len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, ch.failLocked(&amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'", Server: true})
	}

	c := &consumer{tag: tag, ch: ch, queue: q, out: make(chan amqp.Delivery, 256)}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)

	return c.out, nil
}

// Get fetches one message without a consumer
func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, ch.failLocked(notFound("no queue '%s' in vhost '/'", queueName))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]

	d := ch.trackLocked(q, msg, "")
	if autoAck {
		delete(ch.unacked, d.DeliveryTag)
	}
	d.MessageCount = uint32(len(q.ready))
	return d, true, nil
}

// Cancel stops a consumer. Its unsettled deliveries stay unacknowledged.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing unacknowledged messages
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, ack, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}

	for _, t := range tags {
		inf, ok := ch.unacked[t]
		if !ok {
			b.violationLocked("channel %d: delivery tag %d settled twice or never delivered", ch.id, t)
			return ch.failLocked(preconditionFailed("unknown delivery tag %d", t))
		}
		delete(ch.unacked, t)

		b.settlements = append(b.settlements, Settlement{
			Queue:       inf.queue.name,
			Channel:     ch.id,
			DeliveryTag: t,
			Ack:         ack,
			Requeue:     requeue,
		})

		switch {
		case ack:
		case requeue:
			inf.msg.redelivered = true
			inf.queue.ready = append([]*message{inf.msg}, inf.queue.ready...)
			b.dispatchLocked(inf.queue)
		default:
			b.deadLetterLocked(inf.queue, inf.msg, "rejected")
		}
	}

	return nil
}

// trackLocked assigns a delivery tag and records msg as unacknowledged
func (ch *Channel) trackLocked(q *queue, msg *message, consumerTag string) amqp.Delivery {
	ch.lastTag++
	ch.unacked[ch.lastTag] = inflight{queue: q, msg: msg}

	headers := msg.headers
	if headers == nil {
		headers = msg.pub.Headers
	}

	return amqp.Delivery{
		Acknowledger: ch,
		Headers:      headers,
		ContentType:  msg.pub.ContentType,
		DeliveryMode: msg.pub.DeliveryMode,
		MessageId:    msg.pub.MessageId,
		Timestamp:    msg.pub.Timestamp,
		ConsumerTag:  consumerTag,
		DeliveryTag:  ch.lastTag,
		Redelivered:  msg.redelivered,
		Exchange:     msg.exchange,
		RoutingKey:   msg.key,
		Body:         msg.pub.Body,
	}
}

// failLocked closes the channel with err and returns it
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.closeLocked(err)
	return err
}

func (ch *Channel) removeConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.out)
}

func (ch *Channel) closeLocked(_ *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]bool)
	for _, t := range tags {
		inf := ch.unacked[t]
		inf.msg.redelivered = true
		inf.queue.ready = append([]*message{inf.msg}, inf.queue.ready...)
		touched[inf.queue] = true
	}
	ch.unacked = make(map[uint64]inflight)

	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	for _, r := range ch.returns {
		close(r)
	}
	ch.returns = nil

	conn := ch.conn
	for i, other := range conn.channels {
		if other == ch {
			conn.channels = append(conn.channels[:i], conn.channels[i+1:]...)
			break
		}
	}

	for q := range touched {
		b.dispatchLocked(q)
	}
}
