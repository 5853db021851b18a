package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/rabbitmq-poc/pkg/logger"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// previewLen is how much of a body is logged.
const previewLen = 100

// Recorder stores received deliveries.
type Recorder interface {
	Record(ctx context.Context, queue string, d mq.Delivery) error
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger   *slog.Logger
	Consumer mq.MessageConsumer
	// Journal is optional; without it messages are only logged.
	Journal Recorder
	Metrics *metrics.BackendMetrics
	Queues  []string
}

// Consumer consumes the configured queues, logs every message and journals
// it when a Recorder is set. A journal failure requeues the message.
type Consumer struct {
	logger   *slog.Logger
	consumer mq.MessageConsumer
	journal  Recorder
	metrics  *metrics.BackendMetrics
	queues   []string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Consumer == nil {
		return nil, errors.New("message consumer cannot be nil")
	}

	if len(cfg.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}

	return &Consumer{
		logger:   cfg.Logger,
		consumer: cfg.Consumer,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		queues:   cfg.Queues,
	}, nil
}

// Start registers a handler on every queue. Registrations made before a
// failure are stopped again.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "queues", c.queues)

	var tags []string
	for _, queue := range c.queues {
		tag, err := c.consumer.StartConsuming(ctx, queue, "", c.Handler(queue))
		if err != nil {
			c.consumer.StopConsuming(ctx, tags...)
			return fmt.Errorf("failed to start consuming %s: %w", queue, err)
		}
		tags = append(tags, tag)
	}

	c.logger.Info("consumer started, waiting for messages")
	return nil
}

// Run starts consuming and blocks until ctx is cancelled or the consumer
// stops on its own.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.consumer.Run(ctx)
}

// Stop cancels every registration.
func (c *Consumer) Stop(ctx context.Context) {
	c.logger.Info("stopping consumer")
	c.consumer.StopConsuming(ctx)
	c.logger.Info("consumer stopped")
}

// Handler returns the handler used for queue.
func (c *Consumer) Handler(queue string) mq.Handler {
	log := logger.WithContext(c.logger, slog.String("queue", queue))
	return func(ctx context.Context, d mq.Delivery) error {
		log.Info("received message",
			"exchange", d.Exchange,
			"routing_key", d.RoutingKey,
			"message_id", d.MessageID,
			"redelivered", d.Redelivered,
			"body", d.Preview(previewLen),
		)

		if c.journal != nil {
			if err := c.journal.Record(ctx, queue, d); err != nil {
				log.Warn("failed to journal message", "delivery_tag", d.DeliveryTag, "error", err)
				c.count(queue, "error")
				return err
			}
		}

		c.count(queue, "success")
		return nil
	}
}

func (c *Consumer) count(queue, status string) {
	if c.metrics != nil {
		c.metrics.MessagesHandled.WithLabelValues(queue, status).Inc()
	}
}
