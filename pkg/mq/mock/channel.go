package mock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// Connection is a connection to a Broker.
type Connection struct {
	broker   *Broker
	channels []*Channel
	closed   bool
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (mq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.failLocked("channel"); err != nil {
		return nil, err
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		pending:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes the connection and all of its channels.
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
}

// Channel is a channel on a Connection. It implements mq.Channel and acts as
// the amqp.Acknowledger of the deliveries it hands out.
type Channel struct {
	broker    *Broker
	conn      *Connection
	pending   map[uint64]*pending
	consumers map[string]*consumer
	closeErr  *amqp.Error
	closes    []chan *amqp.Error
	nextTag   uint64
	prefetch  int
	closed    bool
}

type pending struct {
	consumer *consumer
	queue    *queue
	msg      message
}

var (
	_ mq.Channel        = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
	_ mq.Connection     = (*Connection)(nil)
)

// checkLocked reports whether the channel is usable for method.
func (ch *Channel) checkLocked(method string) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.broker.failLocked(method); err != nil {
		return ch.faultLocked(err)
	}
	return nil
}

// faultLocked closes the channel when err is a protocol error, as the broker
// does for channel exceptions.
func (ch *Channel) faultLocked(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !ch.closed {
		ch.closeErr = amqpErr
		ch.broker.faults++
		ch.closeLocked()
	}
	return err
}

// ExchangeDeclare implements mq.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.broker.wait("exchange.declare")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("exchange.declare"); err != nil {
		return err
	}
	if err := ch.broker.declareExchangeLocked(name, kind, durable); err != nil {
		return ch.faultLocked(err)
	}
	return nil
}

// QueueDeclare implements mq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.wait("queue.declare")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("queue.declare"); err != nil {
		return amqp.Queue{}, err
	}
	q, err := ch.broker.declareQueueLocked(name, durable, autoDelete, exclusive, args)
	if err != nil {
		return amqp.Queue{}, ch.faultLocked(err)
	}
	return q.state(), nil
}

// QueueDeclarePassive implements mq.Channel. A missing queue closes the
// channel with 404 NOT_FOUND.
func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.wait("queue.declare")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("queue.declare"); err != nil {
		return amqp.Queue{}, err
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		return amqp.Queue{}, ch.faultLocked(&amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name),
		})
	}
	return q.state(), nil
}

func (q *queue) state() amqp.Queue {
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}
}

// QueueBind implements mq.Channel.
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.broker.wait("queue.bind")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("queue.bind"); err != nil {
		return err
	}
	if err := ch.broker.bindLocked(name, key, exchangeName); err != nil {
		return ch.faultLocked(err)
	}
	return nil
}

// PublishWithContext implements mq.Channel. Like amqp091 it ignores ctx. A
// missing exchange is not reported to the caller: the channel is closed with
// 404 NOT_FOUND asynchronously, the way the broker answers a basic.publish.
func (ch *Channel) PublishWithContext(_ context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.wait("publish")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("publish"); err != nil {
		return err
	}
	b := ch.broker
	queues, err := b.routeLocked(exchangeName, key)
	if err != nil {
		go func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			_ = ch.faultLocked(err)
		}()
		return nil
	}

	b.published++
	msg.Headers = cloneTable(msg.Headers)
	msg.Body = slices.Clone(msg.Body)
	for _, q := range queues {
		q.ready = append(q.ready, message{publishing: msg, exchange: exchangeName, routingKey: key})
		b.dispatchLocked(q)
	}
	return nil
}

// Qos implements mq.Channel. The prefetch count applies to consumers started
// afterwards, like RabbitMQ's per-consumer prefetch.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.wait("qos")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("qos"); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements mq.Channel.
func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.wait("consume")
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("consume"); err != nil {
		return nil, err
	}
	b := ch.broker
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.faultLocked(&amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName),
		})
	}
	if tag == "" {
		b.generated++
		tag = fmt.Sprintf("amq.ctag-%d", b.generated)
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.faultLocked(&amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
		})
	}

	c := &consumer{
		channel:  ch,
		queue:    q,
		out:      make(chan amqp.Delivery, deliveryBuffer),
		tag:      tag,
		prefetch: ch.prefetch,
		autoAck:  autoAck,
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel implements mq.Channel. Unacknowledged deliveries stay pending on the
// channel; unknown tags are ignored.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("cancel"); err != nil {
		return err
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	close(c.out)
	ch.broker.dispatchLocked(c.queue)
	return nil
}

// Close implements mq.Channel. Unacknowledged messages go back to the head of
// their queues marked redelivered.
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// NotifyClose implements mq.Channel. A protocol error that closes the channel
// is sent on c before c is closed; a graceful close only closes c.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closes = append(ch.closes, c)
	return c
}

// IsClosed implements mq.Channel.
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// CloseReason returns the protocol error that closed the channel, if any.
func (ch *Channel) CloseReason() *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closeErr
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.closes {
		if ch.closeErr != nil {
			select {
			case c <- ch.closeErr:
			default:
			}
		}
		close(c)
	}
	ch.closes = nil

	tags := slices.Sorted(maps.Keys(ch.pending))
	touched := make(map[*queue]struct{})
	// Requeue newest first so the oldest ends up at the head.
	for i := len(tags) - 1; i >= 0; i-- {
		p := ch.pending[tags[i]]
		p.msg.redelivered = true
		p.queue.ready = append([]message{p.msg}, p.queue.ready...)
		touched[p.queue] = struct{}{}
	}
	clear(ch.pending)

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.out)
		delete(ch.consumers, tag)
		touched[c.queue] = struct{}{}
	}
	for q := range touched {
		ch.broker.dispatchLocked(q)
	}
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("ack"); err != nil {
		return err
	}
	return ch.settleLocked(tag, multiple, false, false)
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if err := ch.checkLocked("nack"); err != nil {
		return err
	}
	return ch.settleLocked(tag, multiple, true, requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settleLocked(tag uint64, multiple, reject, requeue bool) error {
	var tags []uint64
	if multiple {
		for t := range ch.pending {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
	} else {
		tags = []uint64{tag}
	}

	touched := make(map[*queue]struct{})
	for i := len(tags) - 1; i >= 0; i-- {
		p, ok := ch.pending[tags[i]]
		if !ok {
			return ch.faultLocked(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tags[i]),
			})
		}
		delete(ch.pending, tags[i])
		p.consumer.unacked--
		if reject && requeue {
			p.msg.redelivered = true
			p.queue.ready = append([]message{p.msg}, p.queue.ready...)
		}
		touched[p.queue] = struct{}{}
	}
	for q := range touched {
		ch.broker.dispatchLocked(q)
	}
	return nil
}
