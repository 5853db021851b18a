package demo_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/mq"
	"procodus.dev/rabbitmq-poc/pkg/mq/mock"
)

var _ = Describe("Session", func() {
	var (
		broker    *mock.Broker
		publisher mq.MessagePublisher
		consumer  *mq.Consumer
		in        *io.PipeWriter
		inReader  *io.PipeReader
		out       *gbytes.Buffer
	)

	BeforeEach(func() {
		broker = mock.NewBroker()
		owner := connectWithTopology(broker)

		// The consumer shares the publisher's connection, as the demo command does.
		conn, err := owner.Connection(context.Background())
		Expect(err).NotTo(HaveOccurred())
		adopted, err := mq.Adopt(conn, testLogger())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(adopted.Close)

		publisher, err = mq.NewPublisher(owner)
		Expect(err).NotTo(HaveOccurred())
		consumer, err = mq.NewConsumer(adopted)
		Expect(err).NotTo(HaveOccurred())

		inReader, in = io.Pipe()
		out = gbytes.NewBuffer()
	})

	start := func() chan error {
		session, err := demo.NewSession(&demo.SessionConfig{
			Logger:    testLogger(),
			Publisher: publisher,
			Consumer:  consumer,
			In:        inReader,
			Out:       out,
		})
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- session.Run(context.Background()) }()
		Eventually(out).Should(gbytes.Say("Enter your choice: "))
		DeferCleanup(func() { _ = in.Close() })
		return done
	}

	send := func(line string) {
		_, err := fmt.Fprintln(in, line)
		Expect(err).NotTo(HaveOccurred())
	}

	contents := func() string { return string(out.Contents()) }

	It("should publish to the direct exchange and print what queue one receives", func() {
		done := start()

		send("1")
		Eventually(out).Should(gbytes.Say(`Enter routing key \[poc.key.one\]: `))
		send("")
		Eventually(out).Should(gbytes.Say("Enter message: "))
		send("hello direct")

		Eventually(contents).Should(ContainSubstring("Message sent to direct exchange 'poc.direct.exchange' with routing key 'poc.key.one'"))
		Eventually(contents).Should(ContainSubstring("# Routing Key: poc.key.one"))

		// The typed text sits past the preview cut; the trade id leads the body.
		sent := regexp.MustCompile(`\(trade (\d+)\)`).FindStringSubmatch(contents())
		Expect(sent).To(HaveLen(2))
		Expect(contents()).To(ContainSubstring(`# Message: {"trade_id":` + sent[1] + `,`))
		Expect(contents()).To(ContainSubstring("#   x-trade-id: " + sent[1]))

		send("0")
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		Expect(broker.Consumers(demo.QueueOne)).To(BeZero())
		Expect(broker.QueueDepth(demo.QueueOne)).To(BeZero())
	})

	It("should deliver a fanout message to both bound queues", func() {
		done := start()

		send("2")
		Eventually(out).Should(gbytes.Say("Enter message: "))
		send("broadcast")

		Eventually(func() int { return strings.Count(contents(), "MESSAGE RECEIVED") }).Should(Equal(2))
		Expect(contents()).To(ContainSubstring("routing key ''"))

		send("0")
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should use the typed topic key", func() {
		done := start()

		send("3")
		Eventually(out).Should(gbytes.Say(`Enter routing key \[poc.topic.example\]: `))
		send("poc.topic.orders.created")
		Eventually(out).Should(gbytes.Say("Enter message: "))
		send("topic")

		Eventually(contents).Should(ContainSubstring("# Routing Key: poc.topic.orders.created"))

		send("0")
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should reject unknown choices and show the menu again", func() {
		done := start()

		send("9")
		Eventually(out).Should(gbytes.Say(`Invalid choice "9"`))
		Eventually(out).Should(gbytes.Say("Enter your choice: "))

		send("0")
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should end when input ends", func() {
		done := start()
		Expect(in.Close()).To(Succeed())
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should report a failed publish and keep going", func() {
		failing := mock.NewPublisher()
		failing.PublishError = errors.New("channel closed")
		publisher = failing
		done := start()

		send("2")
		Eventually(out).Should(gbytes.Say("Enter message: "))
		send("lost")
		Eventually(out).Should(gbytes.Say("Failed to send message: channel closed"))
		Expect(failing.Calls()).To(HaveLen(1))

		send("0")
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should return the consumer error when the connection drops", func() {
		done := start()
		broker.CloseConnections()

		var err error
		Eventually(done, 5*time.Second).Should(Receive(&err))
		var chErr *mq.ChannelError
		Expect(errors.As(err, &chErr)).To(BeTrue())
	})

	Describe("NewSession", func() {
		It("should require a publisher and consumer", func() {
			_, err := demo.NewSession(&demo.SessionConfig{Logger: testLogger(), In: inReader, Out: out})
			Expect(err).To(HaveOccurred())
		})
	})
})
