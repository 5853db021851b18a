package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// DefaultRecentLimit caps Recent when no limit is given.
const DefaultRecentLimit = 50

// Journal persists received messages and the trade events decoded from them.
type Journal struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.BackendMetrics // Optional metrics
	now     func() time.Time
}

// NewJournal creates a journal on db.
func NewJournal(logger *slog.Logger, db *gorm.DB, m *metrics.BackendMetrics) (*Journal, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &Journal{
		logger:  logger,
		db:      db,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record stores d as received from queue. A JSON body that decodes to a trade
// is also stored as a TradeEvent, once per event id.
func (j *Journal) Record(ctx context.Context, queue string, d mq.Delivery) error {
	headers := "{}"
	if len(d.Headers) > 0 {
		raw, err := json.Marshal(d.Headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		headers = string(raw)
	}

	msg := &ReceivedMessage{
		ReceivedAt:    j.now(),
		Queue:         queue,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ConsumerTag:   d.ConsumerTag,
		MessageID:     d.MessageID,
		CorrelationID: d.CorrelationID,
		ContentType:   d.ContentType,
		Headers:       headers,
		Body:          string(d.Body),
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
	}
	err := j.observe(ctx, "create", msg.TableName(), func(db *gorm.DB) error {
		return db.Create(msg).Error
	})
	if err != nil {
		return fmt.Errorf("failed to journal message: %w", err)
	}

	trade, ok := decodeTrade(d)
	if !ok {
		return nil
	}
	err = j.observe(ctx, "upsert", trade.TableName(), func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(trade).Error
	})
	if err != nil {
		return fmt.Errorf("failed to journal trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// Recent returns the newest journaled messages, optionally for one queue.
func (j *Journal) Recent(ctx context.Context, queue string, limit int) ([]ReceivedMessage, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var messages []ReceivedMessage
	err := j.observe(ctx, "select", ReceivedMessage{}.TableName(), func(db *gorm.DB) error {
		if queue != "" {
			db = db.Where("queue = ?", queue)
		}
		return db.Order("received_at DESC").Limit(limit).Find(&messages).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

// Trade returns the trade event with eventID, or gorm.ErrRecordNotFound.
func (j *Journal) Trade(ctx context.Context, eventID string) (*TradeEvent, error) {
	var trade TradeEvent
	err := j.observe(ctx, "select", trade.TableName(), func(db *gorm.DB) error {
		return db.Where("event_id = ?", eventID).First(&trade).Error
	})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// observe runs fn with ctx and records its outcome.
func (j *Journal) observe(ctx context.Context, operation, table string, fn func(db *gorm.DB) error) error {
	if j.metrics != nil {
		timer := prometheus.NewTimer(j.metrics.DBOperationDuration.WithLabelValues(operation, table))
		defer timer.ObserveDuration()
	}

	err := fn(j.db.WithContext(ctx))

	if j.metrics != nil {
		status := "success"
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			status = "error"
		}
		j.metrics.DBOperationsTotal.WithLabelValues(operation, table, status).Inc()
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		j.logger.Error("database operation failed", "operation", operation, "table", table, "error", err)
	}
	return err
}

// decodeTrade returns the trade event carried by d, if any.
func decodeTrade(d mq.Delivery) (*TradeEvent, bool) {
	if d.ContentType != "" && !strings.HasPrefix(d.ContentType, "application/json") {
		return nil, false
	}

	var trade generator.Trade
	if err := json.Unmarshal(d.Body, &trade); err != nil || trade.TradeID == 0 {
		return nil, false
	}

	eventID := headerString(d.Headers, "eventId")
	if eventID == "" {
		eventID = d.MessageID
	}
	if eventID == "" {
		return nil, false
	}

	return &TradeEvent{
		EventID:          eventID,
		TradeID:          trade.ID(),
		UpdateTime:       trade.UpdateTime,
		BackofficeStatus: trade.BackofficeStatus,
		Status:           trade.Status,
		Type:             trade.Type,
		TradeType:        headerString(d.Headers, "tradeType"),
		Account:          headerString(d.Headers, "account"),
		Message:          trade.Message,
	}, true
}

func headerString(headers map[string]any, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}
