// Package demo holds the POC topology and the interactive publish/consume
// session built on pkg/mq.
package demo

import (
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// Exchanges, queues and routing keys of the POC topology.
const (
	DirectExchange = "poc.direct.exchange"
	FanoutExchange = "poc.fanout.exchange"
	TopicExchange  = "poc.topic.exchange"

	QueueOne   = "poc.queue.one"
	QueueTwo   = "poc.queue.two"
	QueueThree = "poc.queue.three"

	RoutingKeyOne   = "poc.key.one"
	RoutingKeyTwo   = "poc.key.two"
	TopicKeyPattern = "poc.topic.#"
	DefaultTopicKey = "poc.topic.example"
)

// Queues lists the POC queues in declaration order.
func Queues() []string {
	return []string{QueueOne, QueueTwo, QueueThree}
}

// DefaultTopology returns the POC topology: queues one and two on the direct
// exchange by key and on the fanout exchange, queue three on the topic
// exchange by pattern.
func DefaultTopology() mq.Topology {
	return mq.Topology{
		Exchanges: []mq.Exchange{
			mq.DurableExchange(DirectExchange, mq.ExchangeDirect),
			mq.DurableExchange(FanoutExchange, mq.ExchangeFanout),
			mq.DurableExchange(TopicExchange, mq.ExchangeTopic),
		},
		Queues: []mq.Queue{
			mq.DurableQueue(QueueOne),
			mq.DurableQueue(QueueTwo),
			mq.DurableQueue(QueueThree),
		},
		Bindings: []mq.Binding{
			{Queue: QueueOne, Exchange: DirectExchange, RoutingKey: RoutingKeyOne},
			{Queue: QueueTwo, Exchange: DirectExchange, RoutingKey: RoutingKeyTwo},
			{Queue: QueueOne, Exchange: FanoutExchange},
			{Queue: QueueTwo, Exchange: FanoutExchange},
			{Queue: QueueThree, Exchange: TopicExchange, RoutingKey: TopicKeyPattern},
		},
	}
}

// Target is an exchange the session can publish to.
type Target struct {
	Exchange   string
	Kind       mq.ExchangeKind
	DefaultKey string
	// AskKey is false for fanout, which ignores the routing key.
	AskKey bool
}

// Targets maps menu choices to exchanges.
var Targets = map[string]Target{
	"1": {Exchange: DirectExchange, Kind: mq.ExchangeDirect, DefaultKey: RoutingKeyOne, AskKey: true},
	"2": {Exchange: FanoutExchange, Kind: mq.ExchangeFanout},
	"3": {Exchange: TopicExchange, Kind: mq.ExchangeTopic, DefaultKey: DefaultTopicKey, AskKey: true},
}
