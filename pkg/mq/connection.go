package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of *amqp.Connection the Manager relies on.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is the part of *amqp.Channel the Manager, Publisher and Consumer
// rely on. *amqp.Channel satisfies it as is.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// DialFunc opens a broker connection for cfg.
type DialFunc func(ctx context.Context, cfg Config) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

// Channel opens a new AMQP channel.
func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// FromAMQP wraps a connection created elsewhere so it can be passed to Adopt.
func FromAMQP(conn *amqp.Connection) Connection {
	return amqpConnection{Connection: conn}
}

// DialAMQP dials RabbitMQ with amqp091. The dial timeout is shortened to the
// context deadline when that comes first.
func DialAMQP(ctx context.Context, cfg Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); timeout <= 0 || until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		SASL: []amqp.Authentication{
			&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password},
		},
		Vhost:     cfg.Vhost,
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return FromAMQP(conn), nil
}
