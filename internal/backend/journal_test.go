package backend_test

import (
	"context"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"procodus.dev/rabbitmq-poc/internal/backend"
	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// tradeDelivery returns a delivery carrying a generated trade, as the
// consumer would hand it over.
func tradeDelivery() (mq.Delivery, *generator.Trade) {
	trade := generator.NewTrade()
	msg, err := trade.AMQPMessage("")
	Expect(err).NotTo(HaveOccurred())
	return mq.Delivery{
		Headers:       msg.Headers,
		Exchange:      "poc.direct.exchange",
		RoutingKey:    "poc.key.one",
		ContentType:   msg.ContentType,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Body:          msg.Body,
		DeliveryTag:   1,
	}, trade
}

var _ = Describe("Journal", func() {
	var (
		db      *gorm.DB
		mock    sqlmock.Sqlmock
		journal *backend.Journal
		bm      *metrics.BackendMetrics
	)

	BeforeEach(func() {
		db, mock = newMockDB()
		bm = metrics.NewBackendMetricsWith("test", prometheus.NewRegistry())

		var err error
		journal, err = backend.NewJournal(testLogger(), db, bm)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewJournal", func() {
		It("should require a logger", func() {
			_, err := backend.NewJournal(nil, db, nil)
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("should require a database", func() {
			_, err := backend.NewJournal(testLogger(), nil, nil)
			Expect(err).To(MatchError(ContainSubstring("database")))
		})
	})

	Describe("Record", func() {
		It("should store a plain text message only", func() {
			mock.ExpectQuery(`INSERT INTO "received_messages"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

			err := journal.Record(context.Background(), "poc.queue.one", mq.Delivery{
				Exchange:    "poc.direct.exchange",
				RoutingKey:  "poc.key.one",
				ContentType: "text/plain; charset=utf-8",
				Body:        []byte("hello"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(testutil.ToFloat64(bm.DBOperationsTotal.WithLabelValues("create", "received_messages", "success"))).To(Equal(1.0))
		})

		It("should store a trade event once per event id", func() {
			d, _ := tradeDelivery()

			mock.ExpectQuery(`INSERT INTO "received_messages"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			mock.ExpectQuery(`INSERT INTO "trade_events" .* ON CONFLICT \("event_id"\) DO NOTHING`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

			Expect(journal.Record(context.Background(), "poc.queue.one", d)).To(Succeed())
			Expect(testutil.ToFloat64(bm.DBOperationsTotal.WithLabelValues("upsert", "trade_events", "success"))).To(Equal(1.0))
		})

		It("should skip JSON bodies that are not trades", func() {
			mock.ExpectQuery(`INSERT INTO "received_messages"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

			err := journal.Record(context.Background(), "poc.queue.two", mq.Delivery{
				ContentType: "application/json",
				MessageID:   "m-1",
				Body:        []byte(`{"hello":"world"}`),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report a failed insert", func() {
			mock.ExpectQuery(`INSERT INTO "received_messages"`).
				WillReturnError(errors.New("connection reset"))

			err := journal.Record(context.Background(), "poc.queue.one", mq.Delivery{Body: []byte("x")})
			Expect(err).To(MatchError(ContainSubstring("failed to journal message")))
			Expect(testutil.ToFloat64(bm.DBOperationsTotal.WithLabelValues("create", "received_messages", "error"))).To(Equal(1.0))
		})
	})

	Describe("Recent", func() {
		It("should filter by queue, newest first", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{"id", "queue", "exchange", "routing_key", "body", "received_at"}).
				AddRow(2, "poc.queue.one", "poc.direct.exchange", "poc.key.one", "second", now).
				AddRow(1, "poc.queue.one", "poc.direct.exchange", "poc.key.one", "first", now.Add(-time.Second))
			mock.ExpectQuery(`SELECT \* FROM "received_messages" WHERE queue = \$1 ORDER BY received_at DESC LIMIT`).
				WillReturnRows(rows)

			messages, err := journal.Recent(context.Background(), "poc.queue.one", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Body).To(Equal("second"))
		})

		It("should list every queue when none is given", func() {
			mock.ExpectQuery(`SELECT \* FROM "received_messages" ORDER BY received_at DESC LIMIT`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			messages, err := journal.Recent(context.Background(), "", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(BeEmpty())
		})

		It("should wrap query errors", func() {
			mock.ExpectQuery(`SELECT \* FROM "received_messages"`).
				WillReturnError(errors.New("timeout"))

			_, err := journal.Recent(context.Background(), "", 5)
			Expect(err).To(MatchError(ContainSubstring("failed to fetch messages")))
		})
	})

	Describe("Trade", func() {
		It("should return the stored trade", func() {
			rows := sqlmock.NewRows([]string{"id", "event_id", "trade_id", "status"}).
				AddRow(1, "evt-1", "654321", "Matched")
			mock.ExpectQuery(`SELECT \* FROM "trade_events" WHERE event_id = \$1`).
				WillReturnRows(rows)

			trade, err := journal.Trade(context.Background(), "evt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(trade.TradeID).To(Equal("654321"))
			Expect(trade.Status).To(Equal("Matched"))
		})

		It("should return gorm.ErrRecordNotFound for unknown events", func() {
			mock.ExpectQuery(`SELECT \* FROM "trade_events"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			_, err := journal.Trade(context.Background(), "missing")
			Expect(err).To(MatchError(gorm.ErrRecordNotFound))
			Expect(testutil.ToFloat64(bm.DBOperationsTotal.WithLabelValues("select", "trade_events", "success"))).To(Equal(1.0))
		})
	})
})
