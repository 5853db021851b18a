package mq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrClosed is returned when the manager has already been closed.
	ErrClosed = errors.New("manager is closed")

	// ErrNotConnected is returned when the held connection is not open.
	ErrNotConnected = errors.New("not connected to a server")

	// ErrChannelClosed is reported when a channel closes underneath active consumers.
	ErrChannelClosed = errors.New("channel closed by server")

	// ErrOperationTimeout is reported when a channel operation outlives
	// Config.OperationTimeout. The channel it ran on is abandoned.
	ErrOperationTimeout = errors.New("channel operation timed out")

	// ErrNoActiveConsumers is returned by Run when nothing was ever registered.
	ErrNoActiveConsumers = errors.New("no active consumers")

	// ErrDuplicateConsumer is returned when a consumer tag is already active.
	ErrDuplicateConsumer = errors.New("consumer tag already active")

	errLoggerRequired  = errors.New("logger is required")
	errManagerRequired = errors.New("manager is required")
)

// ConnectionError reports that the broker is unreachable, rejected the
// credentials, or that an established connection was lost. It is fatal to the
// Manager and never retried internally.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s: connection to %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: connection: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError reports a channel-level fault. By the time the caller sees it
// the manager has already replaced the broken channel.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: channel: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TopologyError reports a failed exchange/queue declaration or binding.
type TopologyError struct {
	Op         string
	Exchange   string
	Queue      string
	RoutingKey string
	Err        error
}

func (e *TopologyError) Error() string {
	switch {
	case e.Queue != "" && e.Exchange != "":
		return fmt.Sprintf("%s (queue=%q exchange=%q key=%q): %v", e.Op, e.Queue, e.Exchange, e.RoutingKey, e.Err)
	case e.Queue != "":
		return fmt.Sprintf("%s (queue=%q): %v", e.Op, e.Queue, e.Err)
	default:
		return fmt.Sprintf("%s (exchange=%q): %v", e.Op, e.Exchange, e.Err)
	}
}

func (e *TopologyError) Unwrap() error { return e.Err }

// PublishError reports a publish that did not reach the broker.
// The message is not re-published; the caller decides whether to retry.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish (exchange=%q key=%q): %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// HandlerError wraps a failure returned (or panicked) by a consumer handler.
// It is converted into a requeueing negative acknowledgment and never stops Run.
type HandlerError struct {
	Queue       string
	ConsumerTag string
	DeliveryTag uint64
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler (queue=%q consumer=%q delivery=%d): %v", e.Queue, e.ConsumerTag, e.DeliveryTag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// amqpCode returns the AMQP reply code carried by err, or 0.
func amqpCode(err error) int {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code
	}
	return 0
}

// IsNotFound reports whether err carries the broker's 404 NOT_FOUND reply.
func IsNotFound(err error) bool {
	return amqpCode(err) == amqp.NotFound
}

// IsPreconditionFailed reports whether err carries the broker's 406 reply,
// sent when a redeclaration conflicts with an existing entity.
func IsPreconditionFailed(err error) bool {
	return amqpCode(err) == amqp.PreconditionFailed
}
