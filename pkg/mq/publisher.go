package mq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

// Publisher publishes messages on its manager's channel. There is no
// buffering, batching or publisher confirms: a publish is done once the frame
// is written, and failures are never re-published.
type Publisher struct {
	manager *Manager
	logger  *slog.Logger
	metrics *metrics.MQMetrics // Optional metrics
	appID   string
}

// NewPublisher returns a Publisher bound to m.
func NewPublisher(m *Manager) (*Publisher, error) {
	if m == nil {
		return nil, errManagerRequired
	}
	return &Publisher{
		manager: m,
		logger:  m.Logger().With(slog.String("component", "publisher")),
	}, nil
}

// SetMetrics sets the metrics collector for this publisher.
func (p *Publisher) SetMetrics(m *metrics.MQMetrics) {
	p.metrics = m
}

// SetAppID sets the AppId property stamped on messages that carry none.
func (p *Publisher) SetAppID(appID string) {
	p.appID = appID
}

// Publish sends msg to exchange with routingKey. An empty ContentType is
// filled in from the body. On failure the channel is recovered (if the fault
// was channel-level) and a *PublishError is returned; the message is not
// re-sent.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.PublishDuration.WithLabelValues(exchange))
		defer timer.ObserveDuration()
	}

	if msg.AppID == "" {
		msg.AppID = p.appID
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(msg.Body).String()
	}

	publishing := msg.publishing(contentType)
	if err := publishing.Headers.Validate(); err != nil {
		p.fail(exchange, "invalid_headers")
		p.logger.Error("invalid message headers", "exchange", exchange, "routing_key", routingKey, "error", err)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: fmt.Errorf("invalid headers: %w", err)}
	}

	err := p.manager.WithChannel(ctx, "publish", func(ctx context.Context, ch Channel) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	})
	if err != nil {
		p.fail(exchange, "publish_error")
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routing_key", routingKey,
			"error", err,
		)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues(exchange).Inc()
	}
	p.logger.Info("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"content_type", contentType,
		"persistent", msg.Persistent,
		"bytes", len(msg.Body),
	)
	p.logger.Debug("message content", "body", string(msg.Body), "headers", msg.Headers)
	return nil
}

func (p *Publisher) fail(exchange, reason string) {
	if p.metrics != nil {
		p.metrics.PublishFailures.WithLabelValues(exchange, reason).Inc()
	}
}
