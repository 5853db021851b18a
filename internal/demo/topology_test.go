package demo_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/mq"
	"procodus.dev/rabbitmq-poc/pkg/mq/mock"
)

var _ = Describe("DefaultTopology", func() {
	var (
		broker    *mock.Broker
		publisher *mq.Publisher
	)

	BeforeEach(func() {
		broker = mock.NewBroker()
		manager := connectWithTopology(broker)

		var err error
		publisher, err = mq.NewPublisher(manager)
		Expect(err).NotTo(HaveOccurred())
	})

	depths := func() []int {
		return []int{
			broker.QueueDepth(demo.QueueOne),
			broker.QueueDepth(demo.QueueTwo),
			broker.QueueDepth(demo.QueueThree),
		}
	}

	publish := func(exchange, key string) {
		Expect(publisher.Publish(context.Background(), exchange, key, mq.NewMessage([]byte("m"), nil))).To(Succeed())
	}

	It("should declare the three exchanges with their kinds", func() {
		Expect(broker.ExchangeKind(demo.DirectExchange)).To(Equal("direct"))
		Expect(broker.ExchangeKind(demo.FanoutExchange)).To(Equal("fanout"))
		Expect(broker.ExchangeKind(demo.TopicExchange)).To(Equal("topic"))
	})

	It("should be safe to apply twice", func() {
		connectWithTopology(broker)
		Expect(broker.Bindings(demo.QueueOne)).To(HaveLen(2))
	})

	It("should route direct messages by exact key", func() {
		publish(demo.DirectExchange, demo.RoutingKeyOne)
		Expect(depths()).To(Equal([]int{1, 0, 0}))

		publish(demo.DirectExchange, demo.RoutingKeyTwo)
		Expect(depths()).To(Equal([]int{1, 1, 0}))

		publish(demo.DirectExchange, "poc.key.three")
		Expect(depths()).To(Equal([]int{1, 1, 0}))
	})

	It("should copy fanout messages to queues one and two", func() {
		publish(demo.FanoutExchange, "")
		Expect(depths()).To(Equal([]int{1, 1, 0}))
	})

	It("should route topic messages by pattern", func() {
		publish(demo.TopicExchange, demo.DefaultTopicKey)
		Expect(depths()).To(Equal([]int{0, 0, 1}))

		publish(demo.TopicExchange, "other.key")
		Expect(depths()).To(Equal([]int{0, 0, 1}))
	})

	It("should offer a menu target per exchange kind", func() {
		Expect(demo.Targets).To(HaveLen(3))
		Expect(demo.Targets["2"].AskKey).To(BeFalse())
		Expect(demo.Targets["3"].DefaultKey).To(Equal(demo.DefaultTopicKey))
	})
})
