package mq_test

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
	"procodus.dev/rabbitmq-poc/pkg/mq/mock"
)

var _ = Describe("Publisher", func() {
	var (
		ctx       context.Context
		broker    *mock.Broker
		m         *mq.Manager
		publisher *mq.Publisher
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = mock.NewBroker()
		var err error
		m, err = mq.Connect(ctx, testConfig(broker), testLogger())
		Expect(err).NotTo(HaveOccurred())
		publisher, err = mq.NewPublisher(m)
		Expect(err).NotTo(HaveOccurred())

		Expect(m.DeclareExchange(ctx, mq.DurableExchange("E1", mq.ExchangeDirect))).To(Succeed())
		_, err = m.DeclareQueue(ctx, mq.DurableQueue("Q1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(m.BindQueue(ctx, mq.Binding{Queue: "Q1", Exchange: "E1", RoutingKey: "K1"})).To(Succeed())
	})

	AfterEach(func() {
		Expect(m.Close()).To(Succeed())
	})

	It("should require a manager", func() {
		_, err := mq.NewPublisher(nil)
		Expect(err).To(HaveOccurred())
	})

	It("should publish persistent messages with detected content type", func() {
		err := publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte(`{"x":1}`), nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(broker.QueueDepth("Q1")).To(Equal(1))

		ch, err := m.OpenChannel(ctx)
		Expect(err).NotTo(HaveOccurred())
		deliveries, err := ch.Consume("Q1", "peek", true, false, false, false, nil)
		Expect(err).NotTo(HaveOccurred())

		var d amqp.Delivery
		Eventually(deliveries).Should(Receive(&d))
		Expect(d.DeliveryMode).To(Equal(amqp.Persistent))
		Expect(d.ContentType).To(Equal("application/json"))
	})

	It("should send transient messages when asked", func() {
		msg := mq.NewMessage([]byte("plain"), nil)
		msg.Persistent = false
		msg.ContentType = "text/plain"
		Expect(publisher.Publish(ctx, "E1", "K1", msg)).To(Succeed())

		ch, err := m.OpenChannel(ctx)
		Expect(err).NotTo(HaveOccurred())
		deliveries, err := ch.Consume("Q1", "peek", true, false, false, false, nil)
		Expect(err).NotTo(HaveOccurred())

		var d amqp.Delivery
		Eventually(deliveries).Should(Receive(&d))
		Expect(d.DeliveryMode).To(Equal(amqp.Transient))
		Expect(d.ContentType).To(Equal("text/plain"))
	})

	It("should drop unroutable messages without error", func() {
		Expect(publisher.Publish(ctx, "E1", "nobody", mq.NewMessage([]byte("x"), nil))).To(Succeed())
		Expect(broker.QueueDepth("Q1")).To(Equal(0))
		Expect(broker.Published()).To(Equal(1))
	})

	It("should report a missing exchange on the next publish and recover the channel once", func() {
		mm := metrics.NewMQMetricsWith("test", prometheus.NewRegistry())
		m.SetMetrics(mm)

		// The broker answers a publish to a missing exchange by closing the
		// channel after the fact.
		Expect(publisher.Publish(ctx, "missing", "K1", mq.NewMessage([]byte("x"), nil))).To(Succeed())
		Eventually(broker.ChannelFaults).Should(Equal(1))

		err := publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte("y"), nil))
		var pubErr *mq.PublishError
		Expect(errors.As(err, &pubErr)).To(BeTrue())
		Expect(pubErr.Exchange).To(Equal("E1"))
		var chErr *mq.ChannelError
		Expect(errors.As(err, &chErr)).To(BeTrue())
		Expect(chErr.Op).To(Equal("publish"))
		Expect(mq.IsNotFound(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("no exchange 'missing'"))
		Expect(broker.QueueDepth("Q1")).To(Equal(0))
		Expect(testutil.ToFloat64(mm.ChannelRecoveries.WithLabelValues("publish"))).To(Equal(1.0))

		Expect(publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte("z"), nil))).To(Succeed())
		Expect(broker.QueueDepth("Q1")).To(Equal(1))
		Expect(testutil.ToFloat64(mm.ChannelRecoveries.WithLabelValues("publish"))).To(Equal(1.0))
	})

	It("should not re-publish after a failure", func() {
		broker.FailNext("publish", &amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR"})

		err := publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte("x"), nil))
		Expect(err).To(BeAssignableToTypeOf(&mq.PublishError{}))
		Expect(broker.Published()).To(Equal(0))
		Expect(broker.QueueDepth("Q1")).To(Equal(0))
	})

	It("should reject invalid header values before publishing", func() {
		msg := mq.NewMessage([]byte("x"), map[string]any{"bad": struct{}{}})

		err := publisher.Publish(ctx, "E1", "K1", msg)
		Expect(err).To(BeAssignableToTypeOf(&mq.PublishError{}))
		Expect(err).To(MatchError(ContainSubstring("invalid headers")))
		Expect(broker.Published()).To(Equal(0))
	})

	It("should record metrics", func() {
		mm := metrics.NewMQMetricsWith("test", prometheus.NewRegistry())
		publisher.SetMetrics(mm)

		Expect(publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte("x"), nil))).To(Succeed())
		broker.FailNext("publish", &amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR"})
		Expect(publisher.Publish(ctx, "E1", "K1", mq.NewMessage([]byte("x"), nil))).NotTo(Succeed())

		Expect(testutil.ToFloat64(mm.MessagesPublished.WithLabelValues("E1"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(mm.PublishFailures.WithLabelValues("E1", "publish_error"))).To(Equal(1.0))
	})

	Describe("NewJSONMessage", func() {
		It("should marshal the body and mark it as JSON", func() {
			msg, err := mq.NewJSONMessage(map[string]int{"x": 1}, map[string]any{"trade_id": "42"})
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Body).To(MatchJSON(`{"x":1}`))
			Expect(msg.ContentType).To(Equal("application/json"))
			Expect(msg.Persistent).To(BeTrue())
		})
	})

	Describe("Delivery.Preview", func() {
		It("should keep short bodies intact", func() {
			Expect(mq.Delivery{Body: []byte("hello")}.Preview(100)).To(Equal("hello"))
		})

		It("should cut long bodies by characters, not bytes", func() {
			preview := mq.Delivery{Body: []byte(strings.Repeat("é", 150))}.Preview(100)
			Expect(preview).To(HaveSuffix("..."))
			Expect([]rune(strings.TrimSuffix(preview, "..."))).To(HaveLen(100))
		})
	})
})
