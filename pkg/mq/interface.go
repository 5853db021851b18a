package mq

import (
	"context"
)

// TopologyClient declares exchanges and queues and binds them.
type TopologyClient interface {
	// DeclareExchange declares an exchange. Identical redeclaration is a no-op.
	DeclareExchange(ctx context.Context, ex Exchange) error

	// DeclareQueue declares a queue and returns its effective name.
	DeclareQueue(ctx context.Context, q Queue) (string, error)

	// DeclareQueueIfAbsent declares a durable queue only if it does not exist yet.
	DeclareQueueIfAbsent(ctx context.Context, name string) (bool, error)

	// BindQueue binds a queue to an exchange with a routing key or pattern.
	BindQueue(ctx context.Context, b Binding) error

	// ApplyTopology declares exchanges, queues and bindings in that order.
	ApplyTopology(ctx context.Context, t Topology) error
}

// ChannelManager is the capability set shared by publishers and consumers.
type ChannelManager interface {
	TopologyClient

	// OpenChannel returns the held channel, opening a fresh one if needed.
	OpenChannel(ctx context.Context) (Channel, error)

	// Close releases the channel, and the connection if it is owned.
	Close() error
}

// MessagePublisher publishes messages.
type MessagePublisher interface {
	// Publish sends one message. It is never retried internally.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
}

// MessageConsumer receives messages with manual acknowledgment.
type MessageConsumer interface {
	StartConsuming(ctx context.Context, queue, tag string, handler Handler) (string, error)
	StopConsuming(ctx context.Context, tags ...string)
	Run(ctx context.Context) error
	Active() []string
}

var (
	_ ChannelManager   = (*Manager)(nil)
	_ MessagePublisher = (*Publisher)(nil)
	_ MessageConsumer  = (*Consumer)(nil)
)
