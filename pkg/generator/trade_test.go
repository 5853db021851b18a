package generator_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/generator"
)

var _ = Describe("Trade", func() {
	It("should generate a six digit trade id and a fixed backoffice status", func() {
		trade := generator.NewTrade()
		Expect(trade).NotTo(BeNil())
		Expect(trade.TradeID).To(BeNumerically(">=", 100000))
		Expect(trade.TradeID).To(BeNumerically("<=", 999999))
		Expect(trade.ID()).To(MatchRegexp(`^[1-9][0-9]{5}$`))
		Expect(trade.BackofficeStatus).To(Equal(generator.DefaultBackofficeStatus))
		Expect(trade.UpdateTime).To(MatchRegexp(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`))
		Expect(trade.EventID).NotTo(BeEmpty())
	})

	It("should keep free text as the message", func() {
		trade := generator.NewTradeWithMessage("hello from the menu")
		Expect(trade.Message).To(Equal("hello from the menu"))
	})

	It("should encode the body with snake case keys", func() {
		trade := generator.NewTrade()
		body, err := trade.Body()
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(body, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("trade_id", BeNumerically("==", trade.TradeID)))
		Expect(decoded).To(HaveKeyWithValue("backoffice_status", "test.qa.123"))
		Expect(decoded).To(HaveKey("update_time"))
		Expect(decoded).To(HaveKey("status"))
		Expect(decoded).NotTo(HaveKey("account"))
	})

	It("should produce broker-valid headers", func() {
		trade := generator.NewTrade()
		headers := trade.Headers("test-app")

		Expect(headers).To(HaveKeyWithValue("x-trade-id", trade.ID()))
		Expect(headers).To(HaveKeyWithValue("correlation-id", "test-"+trade.ID()))
		Expect(headers).To(HaveKeyWithValue("app-id", "test-app"))
		Expect(headers).To(HaveKeyWithValue("eventId", trade.EventID))
		Expect(amqp.Table(headers).Validate()).To(Succeed())
	})

	It("should build a persistent JSON message", func() {
		trade := generator.NewTrade()
		msg, err := trade.AMQPMessage("")
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Persistent).To(BeTrue())
		Expect(msg.ContentType).To(Equal("application/json"))
		Expect(msg.AppID).To(Equal(generator.DefaultAppID))
		Expect(msg.MessageID).To(Equal(trade.EventID))
		Expect(msg.Headers).To(HaveKeyWithValue("app-id", generator.DefaultAppID))
		Expect(msg.CorrelationID).To(Equal("test-" + trade.ID()))
	})

	It("should keep the message text and the message builder apart", func() {
		trade := generator.NewTradeWithMessage("free text")
		msg, err := trade.AMQPMessage("menu")
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(msg.Body, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("message", "free text"))
		Expect(msg.AppID).To(Equal("menu"))
	})
})
