package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

// ErrConsumerRunning is returned when Run is called while another Run is active.
var ErrConsumerRunning = errors.New("consumer is already running")

// Handler processes one delivery. Returning nil acknowledges it; returning an
// error (or panicking) rejects it with requeue.
type Handler func(ctx context.Context, d Delivery) error

// RequeueFunc observes a delivery that is about to be requeued.
type RequeueFunc func(d Delivery, err *HandlerError)

// registration is one active basic.consume.
type registration struct {
	handler    Handler
	ch         Channel
	deliveries <-chan amqp.Delivery
	stopped    chan struct{}
	queue      string
	tag        string
	stopOnce   sync.Once
}

func (r *registration) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// event is what a registration's forwarder hands to Run: a delivery, or a
// notice that the consume stream ended without being stopped.
type event struct {
	reg      *registration
	delivery amqp.Delivery
	lost     bool
}

// Consumer receives messages with manual acknowledgment and a prefetch of one.
// Deliveries from all registrations are handled one at a time by Run.
type Consumer struct {
	manager   *Manager
	logger    *slog.Logger
	metrics   *metrics.MQMetrics // Optional metrics
	onRequeue RequeueFunc

	mu         sync.Mutex
	regs       map[string]*registration
	registered int // registrations ever made
	events  chan event
	changed chan struct{}
	running atomic.Bool
}

// NewConsumer returns a Consumer bound to m.
func NewConsumer(m *Manager) (*Consumer, error) {
	if m == nil {
		return nil, errManagerRequired
	}
	return &Consumer{
		manager: m,
		logger:  m.Logger().With(slog.String("component", "consumer")),
		regs:    make(map[string]*registration),
		events:  make(chan event),
		changed: make(chan struct{}, 1),
	}, nil
}

// SetMetrics sets the metrics collector for this consumer.
func (c *Consumer) SetMetrics(m *metrics.MQMetrics) {
	c.metrics = m
}

// OnRequeue registers fn to be called for every delivery rejected with requeue.
// Requeues are unbounded, so this is where a caller notices poison messages.
func (c *Consumer) OnRequeue(fn RequeueFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequeue = fn
}

// StartConsuming sets prefetch to one and registers handler on queue. An
// empty tag is replaced by a generated one; the effective tag is returned.
func (c *Consumer) StartConsuming(ctx context.Context, queue, tag string, handler Handler) (string, error) {
	if queue == "" {
		return "", errors.New("queue name is required")
	}
	if handler == nil {
		return "", errors.New("handler is required")
	}
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.regs[tag]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateConsumer, tag)
	}

	reg := &registration{
		handler: handler,
		queue:   queue,
		tag:     tag,
		stopped: make(chan struct{}),
	}
	err := c.manager.WithChannel(ctx, "consume", func(_ context.Context, ch Channel) error {
		if err := ch.Qos(1, 0, false); err != nil {
			return err
		}
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return err
		}
		reg.ch = ch
		reg.deliveries = deliveries
		return nil
	})
	if err != nil {
		c.logger.Error("failed to start consuming", "queue", queue, "consumer_tag", tag, "error", err)
		return "", err
	}

	c.regs[tag] = reg
	c.registered++
	c.notifyLocked()
	go c.forward(reg)

	c.logger.Info("started consuming", "queue", queue, "consumer_tag", tag)
	return tag, nil
}

// StopConsuming cancels the named registrations, or every registration when
// no tag is given. Unknown and already stopped tags are ignored. Deliveries
// that were received but not yet handled are requeued.
func (c *Consumer) StopConsuming(_ context.Context, tags ...string) {
	c.mu.Lock()
	var stopping []*registration
	if len(tags) == 0 {
		for _, reg := range c.regs {
			stopping = append(stopping, reg)
		}
	} else {
		for _, tag := range tags {
			if reg, ok := c.regs[tag]; ok {
				stopping = append(stopping, reg)
			}
		}
	}
	for _, reg := range stopping {
		delete(c.regs, reg.tag)
		reg.stop()
	}
	if len(stopping) > 0 {
		c.notifyLocked()
	}
	c.mu.Unlock()

	for _, reg := range stopping {
		err := c.manager.serialize(func() error {
			if reg.ch.IsClosed() {
				return nil
			}
			return reg.ch.Cancel(reg.tag, false)
		})
		if err != nil {
			c.logger.Warn("failed to cancel consumer", "queue", reg.queue, "consumer_tag", reg.tag, "error", err)
			continue
		}
		c.logger.Info("stopped consuming", "queue", reg.queue, "consumer_tag", reg.tag)
	}
}

// Active returns the tags of the active registrations, sorted.
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.regs))
	for tag := range c.regs {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Run dispatches deliveries to handlers one at a time until ctx is cancelled,
// which stops every registration and returns nil. It returns a *ChannelError
// when the channel closes underneath active registrations and nil once every
// registration has been stopped, whether that happened before or during Run.
// ErrNoActiveConsumers is returned only if nothing was ever registered.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer c.running.Store(false)

	c.mu.Lock()
	active, registered := len(c.regs), c.registered
	c.mu.Unlock()
	if registered == 0 {
		return ErrNoActiveConsumers
	}
	if active == 0 {
		c.logger.Info("consumer stopped", "reason", "no active registrations")
		return nil
	}

	c.logger.Info("consumer running", "consumers", active)
	for {
		select {
		case <-ctx.Done():
			c.StopConsuming(context.Background())
			c.logger.Info("consumer stopped", "reason", ctx.Err())
			return nil

		case <-c.changed:
			if len(c.Active()) == 0 {
				c.logger.Info("consumer stopped", "reason", "no active registrations")
				return nil
			}

		case ev := <-c.events:
			if ev.lost {
				if err := c.dropChannel(ev.reg); err != nil {
					return err
				}
				continue
			}
			c.dispatch(ctx, ev.reg, ev.delivery)
		}
	}
}

// forward moves deliveries from one registration into the shared events
// channel. After a stop, anything still in hand is requeued.
func (c *Consumer) forward(reg *registration) {
	for {
		select {
		case <-reg.stopped:
			c.drain(reg)
			return
		case d, ok := <-reg.deliveries:
			if !ok {
				select {
				case c.events <- event{reg: reg, lost: true}:
				case <-reg.stopped:
				}
				return
			}
			select {
			case c.events <- event{reg: reg, delivery: d}:
			case <-reg.stopped:
				c.reject(reg, d)
				c.drain(reg)
				return
			}
		}
	}
}

func (c *Consumer) drain(reg *registration) {
	for d := range reg.deliveries {
		c.reject(reg, d)
	}
}

func (c *Consumer) reject(reg *registration, d amqp.Delivery) {
	err := c.manager.serialize(func() error { return d.Nack(false, true) })
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to requeue undelivered message",
			"queue", reg.queue,
			"consumer_tag", reg.tag,
			"delivery_tag", d.DeliveryTag,
			"error", err,
		)
	}
}

// dropChannel removes every registration that shared reg's channel. It
// returns a *ChannelError if reg was still active.
func (c *Consumer) dropChannel(reg *registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.regs[reg.tag]; !ok || current != reg {
		return nil
	}
	for tag, other := range c.regs {
		if other.ch == reg.ch {
			delete(c.regs, tag)
			other.stop()
		}
	}
	c.setActiveLocked()

	c.logger.Error("channel closed under active consumer", "queue", reg.queue, "consumer_tag", reg.tag)
	return &ChannelError{Op: "consume", Err: ErrChannelClosed}
}

// dispatch runs the handler and settles the delivery on the channel it came from.
func (c *Consumer) dispatch(ctx context.Context, reg *registration, raw amqp.Delivery) {
	d := newDelivery(raw)
	logger := c.logger.With(
		"queue", reg.queue,
		"consumer_tag", reg.tag,
		"delivery_tag", d.DeliveryTag,
	)
	logger.Debug("received message", "exchange", d.Exchange, "routing_key", d.RoutingKey, "redelivered", d.Redelivered)

	err := c.handle(ctx, reg, d)
	if err == nil {
		if ackErr := c.manager.serialize(func() error { return raw.Ack(false) }); ackErr != nil {
			logger.Error("failed to acknowledge message", "error", ackErr)
			return
		}
		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues(reg.queue).Inc()
		}
		logger.Debug("acknowledged message")
		return
	}

	herr := &HandlerError{Queue: reg.queue, ConsumerTag: reg.tag, DeliveryTag: d.DeliveryTag, Err: err}
	logger.Error("handler failed, requeueing message", "error", herr)
	if nackErr := c.manager.serialize(func() error { return raw.Nack(false, true) }); nackErr != nil {
		logger.Error("failed to requeue message", "error", nackErr)
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesRequeued.WithLabelValues(reg.queue).Inc()
	}

	c.mu.Lock()
	hook := c.onRequeue
	c.mu.Unlock()
	if hook != nil {
		hook(d, herr)
	}
}

// handle invokes the handler, turning a panic into an error.
func (c *Consumer) handle(ctx context.Context, reg *registration, d Delivery) (err error) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.HandlerDuration.WithLabelValues(reg.queue))
		defer timer.ObserveDuration()
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "queue", reg.queue, "consumer_tag", reg.tag, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handler(ctx, d)
}

func (c *Consumer) notifyLocked() {
	c.setActiveLocked()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Consumer) setActiveLocked() {
	if c.metrics != nil {
		c.metrics.ActiveConsumers.Set(float64(len(c.regs)))
	}
}
