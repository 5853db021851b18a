package mock

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

var _ = Describe("Broker", func() {
	DescribeTable("topic matching",
		func(pattern, key string, want bool) {
			Expect(topicMatch(pattern, key)).To(Equal(want))
		},
		Entry("hash matches a suffix", "poc.topic.#", "poc.topic.example", true),
		Entry("hash matches zero words", "poc.topic.#", "poc.topic", true),
		Entry("hash matches many words", "poc.topic.#", "poc.topic.a.b.c", true),
		Entry("different prefix", "poc.topic.#", "other.key", false),
		Entry("star matches one word", "poc.*.key", "poc.one.key", true),
		Entry("star needs a word", "poc.*.key", "poc.key", false),
		Entry("star matches only one word", "poc.*", "poc.a.b", false),
		Entry("lone hash matches anything", "#", "a.b.c", true),
		Entry("exact", "a.b", "a.b", true),
	)

	var (
		broker *Broker
		ch     mq.Channel
	)

	BeforeEach(func() {
		broker = NewBroker()
		conn, err := broker.Dial(context.Background(), mq.Config{})
		Expect(err).NotTo(HaveOccurred())
		ch, err = conn.Channel()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should close the channel with 406 on an inequivalent exchange", func() {
		Expect(ch.ExchangeDeclare("E1", "direct", true, false, false, false, nil)).To(Succeed())

		err := ch.ExchangeDeclare("E1", "topic", true, false, false, false, nil)
		var amqpErr *amqp.Error
		Expect(errors.As(err, &amqpErr)).To(BeTrue())
		Expect(amqpErr.Code).To(Equal(amqp.PreconditionFailed))
		Expect(ch.IsClosed()).To(BeTrue())
		Expect(ch.(*Channel).CloseReason()).To(Equal(amqpErr))

		Expect(ch.ExchangeDeclare("E2", "direct", true, false, false, false, nil)).To(MatchError(amqp.ErrClosed))
	})

	It("should requeue unacknowledged messages when the channel closes", func() {
		_, err := ch.QueueDeclare("Q1", true, false, false, false, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.PublishWithContext(context.Background(), "", "Q1", false, false, amqp.Publishing{Body: []byte("a")})).To(Succeed())

		deliveries, err := ch.Consume("Q1", "c1", false, false, false, false, nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(deliveries).Should(Receive())
		Expect(broker.Unacked("Q1")).To(Equal(1))

		Expect(ch.Close()).To(Succeed())
		Expect(broker.Unacked("Q1")).To(BeZero())
		Expect(broker.QueueDepth("Q1")).To(Equal(1))
		Eventually(deliveries).Should(BeClosed())
	})

	It("should fail an injected call once", func() {
		broker.FailNext("qos", errors.New("nope"))
		Expect(ch.Qos(1, 0, false)).To(MatchError("nope"))
		Expect(ch.IsClosed()).To(BeFalse())
		Expect(ch.Qos(1, 0, false)).To(Succeed())
	})

	It("should close the channel after a publish to a missing exchange returns", func() {
		closes := ch.NotifyClose(make(chan *amqp.Error, 1))

		Expect(ch.PublishWithContext(context.Background(), "missing", "k", false, false, amqp.Publishing{Body: []byte("x")})).To(Succeed())

		var amqpErr *amqp.Error
		Eventually(closes).Should(Receive(&amqpErr))
		Expect(amqpErr.Code).To(Equal(amqp.NotFound))
		Eventually(closes).Should(BeClosed())
		Expect(ch.IsClosed()).To(BeTrue())
		Expect(broker.ChannelFaults()).To(Equal(1))
		Expect(broker.Published()).To(BeZero())
	})

	It("should only close the notification on a graceful close", func() {
		closes := ch.NotifyClose(make(chan *amqp.Error, 1))
		Expect(ch.Close()).To(Succeed())
		Expect(closes).To(BeClosed())
		Expect(broker.ChannelFaults()).To(BeZero())
	})

	It("should tell channels why the connection was dropped", func() {
		closes := ch.NotifyClose(make(chan *amqp.Error, 1))
		broker.CloseConnections()

		var amqpErr *amqp.Error
		Expect(closes).To(Receive(&amqpErr))
		Expect(amqpErr.Code).To(Equal(amqp.ConnectionForced))
	})

	It("should hold a stalled call until it is released", func() {
		release := broker.Stall("exchange.declare")
		done := make(chan error, 1)
		go func() { done <- ch.ExchangeDeclare("E1", "direct", true, false, false, false, nil) }()

		Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
		release()
		Eventually(done).Should(Receive(BeNil()))
		Expect(broker.HasExchange("E1")).To(BeTrue())
	})
})
