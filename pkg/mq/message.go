package mq

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is what the Publisher sends. Headers are passed to the broker
// verbatim; the mq package does not interpret them.
type Message struct {
	Timestamp     time.Time
	Headers       map[string]any
	ContentType   string
	MessageID     string
	CorrelationID string
	AppID         string
	Body          []byte
	Persistent    bool
}

// NewMessage returns a persistent message carrying body and headers.
func NewMessage(body []byte, headers map[string]any) Message {
	return Message{
		Body:       body,
		Headers:    headers,
		Persistent: true,
	}
}

// NewJSONMessage marshals v and returns a persistent application/json message.
func NewJSONMessage(v any, headers map[string]any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message body: %w", err)
	}
	msg := NewMessage(body, headers)
	msg.ContentType = "application/json"
	return msg, nil
}

// publishing builds the broker envelope.
func (m Message) publishing(contentType string) amqp.Publishing {
	p := amqp.Publishing{
		Headers:       toTable(m.Headers),
		ContentType:   contentType,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		AppId:         m.AppID,
		Timestamp:     m.Timestamp,
		Body:          m.Body,
		DeliveryMode:  amqp.Transient,
	}
	if m.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

// Delivery is a received message as seen by a Handler.
type Delivery struct {
	Timestamp     time.Time
	Headers       map[string]any
	Exchange      string
	RoutingKey    string
	ConsumerTag   string
	ContentType   string
	MessageID     string
	CorrelationID string
	AppID         string
	Body          []byte
	DeliveryTag   uint64
	Redelivered   bool
	Persistent    bool
}

func newDelivery(d amqp.Delivery) Delivery {
	var headers map[string]any
	if d.Headers != nil {
		headers = map[string]any(d.Headers)
	}
	return Delivery{
		Timestamp:     d.Timestamp,
		Headers:       headers,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ConsumerTag:   d.ConsumerTag,
		ContentType:   d.ContentType,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		AppID:         d.AppId,
		Body:          d.Body,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Persistent:    d.DeliveryMode == amqp.Persistent,
	}
}

// Preview returns the body as text cut to n characters, marking a cut with "...".
func (d Delivery) Preview(n int) string {
	s := string(d.Body)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
