// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// The broker implements the parts of RabbitMQ the rabbitmq package relies
// on: direct and fanout exchanges, the default exchange, durable queues
// with dead-letter arguments, publisher confirms, basic.return for
// unroutable mandatory messages, manual acknowledgement and redelivery of
// unacknowledged messages when a channel closes. Conflicting declarations
// and unknown delivery tags close the channel with 406, as RabbitMQ does.
package rabbitmqtest

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/biglist/biglist-go/internal/rabbitmq"
)

// Settlement records one ack or nack
type Settlement struct {
	Queue       string
	Channel     int
	DeliveryTag uint64
	Ack         bool
	Requeue     bool
}

// Published records one message accepted from a client
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Routed     bool
	Msg        amqp.Publishing
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Connection

	dials        int
	dialFailures []error
	nextChannel  int

	published    []Published
	settlements  []Settlement
	violations   []string
	holdConfirms bool
	now          func() time.Time
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	headers     amqp.Table
	redelivered bool
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		now:       time.Now,
	}
}

// Dial opens a connection. It satisfies rabbitmq.Dialer.
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialFailures) > 0 {
		err := b.dialFailures[0]
		b.dialFailures = b.dialFailures[1:]
		return nil, err
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNextDials makes the next n dials fail with err
func (b *Broker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.dialFailures = append(b.dialFailures, err)
	}
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropConnections closes every connection as if the server went away
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns := append([]*Connection(nil), b.conns...)
	for _, c := range conns {
		c.closeLocked(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// CloseChannels closes every open channel, leaving connections up
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.conns {
		for _, ch := range append([]*Channel(nil), c.channels...) {
			ch.closeLocked(&amqp.Error{
				Code:   amqp.ChannelError,
				Reason: "CHANNEL_ERROR - forced channel closure",
				Server: true,
			})
		}
	}
}

// HoldConfirms withholds publisher confirms until ReleaseConfirms, as a
// slow broker would
func (b *Broker) HoldConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConfirms = true
}

// ReleaseConfirms delivers every withheld confirm and stops holding new ones
func (b *Broker) ReleaseConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.holdConfirms = false
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if ch.closed {
				continue
			}
			for _, conf := range ch.held {
				ch.confirmLocked(conf)
			}
			ch.held = nil
		}
	}
}

// Publish injects a raw message as if a foreign client sent it
func (b *Broker) Publish(exchangeName, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := &message{
		exchange: exchangeName,
		key:      key,
		pub: amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	}
	_, err := b.routeLocked(exchangeName, key, msg)
	if err != nil {
		return err
	}
	return nil
}

// Ready returns the number of messages waiting in queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Bodies returns the bodies of the messages waiting in queue
func (b *Broker) Bodies(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub.Body)
	}
	return out
}

// Headers returns the headers of the messages waiting in queue
func (b *Broker) Headers(name string) []amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Table, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.headers)
	}
	return out
}

// Unacked returns the number of messages delivered from queue but not yet
// settled
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			for _, inf := range ch.unacked {
				if inf.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// HasQueue reports whether queue has been declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether exchange has been declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// QueueArgs returns the arguments queue was declared with
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// DeclareQueue declares a queue out of band, e.g. with arguments that
// conflict with what a client will declare
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queue{name: name, durable: true, args: args}
}

// Consumers returns the number of consumers on queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Topology describes every exchange, queue and binding, sorted
func (b *Broker) Topology() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, ex := range b.exchanges {
		out = append(out, fmt.Sprintf("exchange %s %s durable=%v", ex.name, ex.kind, ex.durable))
		for _, bd := range ex.bindings {
			out = append(out, fmt.Sprintf("binding %s -> %s key=%q", ex.name, bd.queue, bd.key))
		}
	}
	for _, q := range b.queues {
		out = append(out, fmt.Sprintf("queue %s durable=%v args=%v", q.name, q.durable, q.args))
	}
	sort.Strings(out)
	return out
}

// Published returns every message accepted from a client
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Settlements returns every ack and nack in order
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Violations lists protocol misuse such as settling a delivery tag twice
func (b *Broker) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

func (b *Broker) routeLocked(exchangeName, key string, msg *message) (bool, error) {
	if exchangeName == "" {
		q, ok := b.queues[key]
		if !ok {
			return false, nil
		}
		b.enqueueLocked(q, msg)
		return true, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return false, &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName),
			Server: true,
		}
	}

	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if ex.kind == amqp.ExchangeDirect && bd.key != key {
			continue
		}
		if seen[bd.queue] {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		seen[bd.queue] = true
		copied := *msg
		b.enqueueLocked(q, &copied)
	}

	return len(seen) > 0, nil
}

func (b *Broker) enqueueLocked(q *queue, msg *message) {
	q.ready = append(q.ready, msg)
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers round-robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		delivered := false
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if len(c.out) == cap(c.out) {
				continue
			}
			msg := q.ready[0]
			q.ready = q.ready[1:]
			c.out <- c.ch.trackLocked(q, msg, c.tag)
			q.next = (q.next + i + 1) % len(q.consumers)
			delivered = true
			break
		}
		if !delivered {
			return
		}
	}
}

// deadLetterLocked routes msg to the queue's dead-letter exchange, adding
// an x-death entry. Without a dead-letter exchange the message is dropped.
func (b *Broker) deadLetterLocked(q *queue, msg *message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := msg.key
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	headers := amqp.Table{}
	for k, v := range msg.headers {
		headers[k] = v
	}

	var count int64 = 1
	deaths, _ := headers["x-death"].([]interface{})
	rest := make([]interface{}, 0, len(deaths))
	for _, d := range deaths {
		t, ok := d.(amqp.Table)
		if ok && t["queue"] == q.name && t["reason"] == reason {
			if n, ok := t["count"].(int64); ok {
				count = n + 1
			}
			continue
		}
		rest = append(rest, d)
	}
	death := amqp.Table{
		"queue":        q.name,
		"reason":       reason,
		"count":        count,
		"exchange":     msg.exchange,
		"routing-keys": []interface{}{msg.key},
		"time":         b.now(),
	}
	headers["x-death"] = append([]interface{}{death}, rest...)
	if _, ok := headers["x-first-death-queue"]; !ok {
		headers["x-first-death-queue"] = q.name
		headers["x-first-death-reason"] = reason
		headers["x-first-death-exchange"] = msg.exchange
	}

	dead := &message{
		exchange: dlx,
		key:      key,
		pub:      msg.pub,
		headers:  headers,
	}
	_, _ = b.routeLocked(dlx, key, dead)
}

func (b *Broker) violationLocked(format string, args ...any) {
	b.violations = append(b.violations, fmt.Sprintf(format, args...))
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func preconditionFailed(format string, args ...any) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}

func notFound(format string, args ...any) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}
