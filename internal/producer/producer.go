// Package producer generates trade events and publishes them on a schedule.
package producer

import (
	"context"
	"fmt"

	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// Producer publishes generated trade events to one exchange and routing key.
type Producer struct {
	Publisher  mq.MessagePublisher
	Exchange   string
	RoutingKey string
	AppID      string
	metrics    *metrics.ProducerMetrics // Optional metrics
}

// NewProducer creates a producer. An empty appID falls back to
// generator.DefaultAppID.
func NewProducer(publisher mq.MessagePublisher, exchange, routingKey, appID string) *Producer {
	if appID == "" {
		appID = generator.DefaultAppID
	}
	return &Producer{
		Publisher:  publisher,
		Exchange:   exchange,
		RoutingKey: routingKey,
		AppID:      appID,
	}
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.ProducerMetrics) {
	p.metrics = m
}

// PublishTrade generates one trade event and publishes it. The trade is
// returned even when publishing fails so callers can log what was lost.
func (p *Producer) PublishTrade(ctx context.Context) (*generator.Trade, error) {
	trade := generator.NewTrade()

	msg, err := trade.AMQPMessage(p.AppID)
	if err != nil {
		p.fail("encode")
		return trade, fmt.Errorf("failed to encode trade %d: %w", trade.TradeID, err)
	}

	if err := p.Publisher.Publish(ctx, p.Exchange, p.RoutingKey, msg); err != nil {
		p.fail("publish")
		return trade, fmt.Errorf("failed to publish trade %d: %w", trade.TradeID, err)
	}

	if p.metrics != nil {
		p.metrics.TradesGenerated.WithLabelValues(p.Exchange).Inc()
	}
	return trade, nil
}

func (p *Producer) fail(reason string) {
	if p.metrics != nil {
		p.metrics.GenerationFailures.WithLabelValues(reason).Inc()
	}
}
