// Package backend provides the consumer service that receives messages from
// the POC queues and journals them to PostgreSQL.
package backend

import (
	"time"
)

// ReceivedMessage is one delivery as it was handed to the consumer service.
type ReceivedMessage struct {
	ReceivedAt    time.Time `gorm:"index:idx_queue_received;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	Queue         string    `gorm:"index:idx_queue_received;not null"`
	Exchange      string    `gorm:"not null"`
	RoutingKey    string    `gorm:"not null"`
	ConsumerTag   string
	MessageID     string `gorm:"index"`
	CorrelationID string
	ContentType   string
	Headers       string `gorm:"type:jsonb"`
	Body          string `gorm:"type:text;not null"`
	DeliveryTag   uint64
	ID            uint `gorm:"primaryKey"`
	Redelivered   bool
}

// TableName specifies the table name for ReceivedMessage model.
func (ReceivedMessage) TableName() string {
	return "received_messages"
}

// TradeEvent is a trade payload decoded from a received message. The same
// event delivered twice is stored once.
type TradeEvent struct {
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	EventID          string    `gorm:"uniqueIndex;not null"`
	TradeID          string    `gorm:"index;not null"`
	UpdateTime       string
	BackofficeStatus string
	Status           string
	Type             string
	TradeType        string
	Account          string
	Message          string `gorm:"type:text"`
	ID               uint   `gorm:"primaryKey"`
}

// TableName specifies the table name for TradeEvent model.
func (TradeEvent) TableName() string {
	return "trade_events"
}
