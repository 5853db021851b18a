package mock

import (
	"context"
	"sync"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// Publisher is a mock implementation of mq.MessagePublisher for testing.
// It tracks calls and allows configuring return values and behavior.
type Publisher struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, exchange, routingKey string, msg mq.Message) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx        context.Context
	Exchange   string
	RoutingKey string
	Message    mq.Message
}

// NewPublisher creates a new Publisher with default behavior (no errors).
func NewPublisher() *Publisher {
	return &Publisher{
		PublishCalls: make([]PublishCall, 0),
	}
}

// Publish implements mq.MessagePublisher.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.PublishCalls = append(p.PublishCalls, PublishCall{
		Ctx:        ctx,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message:    msg,
	})

	if p.PublishFunc != nil {
		return p.PublishFunc(ctx, exchange, routingKey, msg)
	}
	return p.PublishError
}

// Calls returns a copy of the recorded calls.
func (p *Publisher) Calls() []PublishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishCall(nil), p.PublishCalls...)
}

// Reset clears all tracked calls.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.PublishCalls = make([]PublishCall, 0)
}

// Ensure Publisher implements mq.MessagePublisher.
var _ mq.MessagePublisher = (*Publisher)(nil)
