// Package mock provides in-memory implementations of the mq package interfaces
// for testing: a fake broker that routes, queues and redelivers messages the
// way RabbitMQ does, and a recording publisher.
package mock

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// deliveryBuffer bounds the deliveries a consumer may hold before reading them.
const deliveryBuffer = 256

// Broker is an in-memory AMQP broker. Exchanges, queues and bindings behave
// like RabbitMQ's for the direct, fanout and topic kinds; faults close the
// channel with the same reply codes.
//
// As with RabbitMQ, a publish to a missing exchange returns nil and the
// channel is closed with 404 NOT_FOUND shortly afterwards.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	bindings  []mq.Binding
	conns     []*Connection
	failures  map[string][]error
	stalls    map[string][]chan struct{}
	published int
	dials     int
	generated int
	faults    int
}

type exchange struct {
	kind    string
	durable bool
}

type queue struct {
	args       amqp.Table
	name       string
	ready      []message
	consumers  []*consumer
	next       int
	durable    bool
	exclusive  bool
	autoDelete bool
}

type message struct {
	publishing  amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type consumer struct {
	channel  *Channel
	queue    *queue
	out      chan amqp.Delivery
	tag      string
	prefetch int
	unacked  int
	autoAck  bool
}

// NewBroker returns an empty broker with only the default exchange.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{"": {kind: amqp.ExchangeDirect, durable: true}},
		queues:    make(map[string]*queue),
		failures:  make(map[string][]error),
		stalls:    make(map[string][]chan struct{}),
	}
}

// Dial opens a connection. It has the mq.DialFunc signature so it can be set
// as Config.Dialer.
func (b *Broker) Dial(ctx context.Context, _ mq.Config) (mq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failLocked("dial"); err != nil {
		return nil, err
	}
	b.dials++
	return b.connectLocked(), nil
}

// Connect opens a connection directly, for handing to mq.Adopt.
func (b *Broker) Connect() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

func (b *Broker) connectLocked() *Connection {
	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn
}

// FailNext makes the next call of method fail with err. Methods are
// "dial", "channel", "exchange.declare", "queue.declare", "queue.bind",
// "publish", "qos", "consume", "cancel", "ack" and "nack". An *amqp.Error
// injected into a channel method also closes the channel.
func (b *Broker) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = append(b.failures[method], err)
}

func (b *Broker) failLocked(method string) error {
	pending := b.failures[method]
	if len(pending) == 0 {
		return nil
	}
	b.failures[method] = pending[1:]
	return pending[0]
}

// Stall makes the next call of method block until release is called, like a
// broker that stopped answering. release may be called more than once.
func (b *Broker) Stall(method string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.stalls[method] = append(b.stalls[method], gate)
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// wait blocks on a pending stall for method. It must be called without b.mu.
func (b *Broker) wait(method string) {
	b.mu.Lock()
	var gate chan struct{}
	if pending := b.stalls[method]; len(pending) > 0 {
		gate = pending[0]
		b.stalls[method] = pending[1:]
	}
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// ChannelFaults returns the number of channels closed by a protocol error.
func (b *Broker) ChannelFaults() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faults
}

// CloseConnections drops every open connection, as a broker restart would.
func (b *Broker) CloseConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	forced := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				ch.closeErr = forced
			}
		}
		conn.closeLocked()
	}
}

// Dials returns the number of successful dials.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns the number of messages accepted by exchanges.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeKind returns the kind of an existing exchange, or "".
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind
	}
	return ""
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns a copy of the arguments the queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return maps.Clone(q.args)
}

// QueueDepth returns the number of messages ready for delivery.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of messages from the queue delivered but not yet
// acknowledged.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			for _, p := range ch.pending {
				if p.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Consumers returns the number of consumers on the queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bindings returns the bindings of a queue.
func (b *Broker) Bindings(queueName string) []mq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []mq.Binding
	for _, bd := range b.bindings {
		if bd.Queue == queueName {
			out = append(out, bd)
		}
	}
	return out
}

func (b *Broker) declareExchangeLocked(name, kind string, durable bool) error {
	if strings.HasPrefix(name, "amq.") || name == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' contains reserved prefix", name)}
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind)}
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf(
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, ex.kind)}
		}
		if ex.durable != durable {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf(
				"PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s'", name)}
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

func (b *Broker) declareQueueLocked(name string, durable, autoDelete, exclusive bool, args amqp.Table) (*queue, error) {
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	if q, ok := b.queues[name]; ok {
		switch {
		case q.durable != durable:
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name)}
		case q.exclusive != exclusive, q.autoDelete != autoDelete:
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)}
		case !sameArgs(q.args, args):
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arguments for queue '%s'", name)}
		}
		return q, nil
	}
	q := &queue{
		name:       name,
		durable:    durable,
		exclusive:  exclusive,
		autoDelete: autoDelete,
		args:       maps.Clone(args),
	}
	b.queues[name] = q
	return q, nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (b *Broker) bindLocked(queueName, key, exchangeName string) error {
	if exchangeName == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)}
	}
	if _, ok := b.queues[queueName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName)}
	}
	binding := mq.Binding{Queue: queueName, Exchange: exchangeName, RoutingKey: key}
	if !slices.Contains(b.bindings, binding) {
		b.bindings = append(b.bindings, binding)
	}
	return nil
}

// routeLocked returns the queues a message published to exchangeName with key
// lands in, each at most once.
func (b *Broker) routeLocked(exchangeName, key string) ([]*queue, error) {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)}
	}

	var out []*queue
	for _, bd := range b.bindings {
		if bd.Exchange != exchangeName {
			continue
		}
		var match bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = topicMatch(bd.RoutingKey, key)
		default:
			match = bd.RoutingKey == key
		}
		if q := b.queues[bd.Queue]; match && q != nil && !slices.Contains(out, q) {
			out = append(out, q)
		}
	}
	return out, nil
}

// topicMatch matches a routing key against a binding pattern where "*" stands
// for exactly one word and "#" for zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// dispatchLocked hands ready messages to consumers that have prefetch room,
// round robin.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.deliver(msg)
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := range q.consumers {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasRoom() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	q.consumers = slices.DeleteFunc(q.consumers, func(other *consumer) bool { return other == c })
	q.next = 0
}

func (c *consumer) hasRoom() bool {
	if len(c.out) >= cap(c.out) {
		return false
	}
	return c.autoAck || c.prefetch == 0 || c.unacked < c.prefetch
}

func (c *consumer) deliver(msg message) {
	ch := c.channel
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.pending[tag] = &pending{consumer: c, queue: c.queue, msg: msg}
		c.unacked++
	}

	p := msg.publishing
	c.out <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         cloneTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            slices.Clone(p.Body),
	}
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	return maps.Clone(t)
}
