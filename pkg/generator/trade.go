// Package generator produces the demo trade events published by the commands.
package generator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

const (
	// DefaultAppID is stamped on generated messages.
	DefaultAppID = "go-rabbitmq-poc"
	// DefaultBackofficeStatus is the status every demo trade carries.
	DefaultBackofficeStatus = "test.qa.123"

	isoMillis      = "2006-01-02T15:04:05.000Z"
	eventDateFmt   = "2006-01-02 15:04:05.000"
	referenceFmt   = "2006-01-02"
	eventLayout    = "panorama-trade-v1"
	objectType     = "position_trade"
	productType    = "emissao_emissao1_efic"
	accountingGrp  = "CDB"
	correlationPfx = "custody-engine-"

	minTradeID = 100000
	maxTradeID = 999999
)

// Trade is the body of a demo trade event.
type Trade struct {
	CreatedAt        time.Time `json:"-" fake:"skip"`
	TradeID          int64     `json:"trade_id" fake:"skip"`
	UpdateTime       string    `json:"update_time" fake:"skip"`
	BackofficeStatus string    `json:"backoffice_status" fake:"skip"`
	Status           string    `json:"status" fake:"{randomstring:[Matched,PROCESSED,Pending]}"`
	Type             string    `json:"type" fake:"{randomstring:[Unblock,Block,Settle]}"`
	Message          string    `json:"message" fake:"{sentence:6}"`
	TradeType        string    `json:"-" fake:"{randomstring:[buy,sell]}"`
	Account          string    `json:"-" fake:"{regex:0000[0-9]{4}}"`
	EventID          string    `json:"-" fake:"{uuid}"`
}

// NewTrade returns a trade with random identifiers, stamped now.
func NewTrade() *Trade {
	return newTrade(time.Now().UTC())
}

// NewTradeWithMessage returns a random trade carrying the given free text.
func NewTradeWithMessage(text string) *Trade {
	t := NewTrade()
	if t != nil && text != "" {
		t.Message = text
	}
	return t
}

func newTrade(now time.Time) *Trade {
	var trade Trade
	if err := gofakeit.Struct(&trade); err != nil {
		return nil
	}
	trade.TradeID = int64(gofakeit.IntRange(minTradeID, maxTradeID))
	trade.CreatedAt = now
	trade.UpdateTime = now.Format(isoMillis)
	trade.BackofficeStatus = DefaultBackofficeStatus
	return &trade
}

// ID returns the trade id as it appears in headers.
func (t *Trade) ID() string {
	return strconv.FormatInt(t.TradeID, 10)
}

// Body returns the JSON encoding of the trade.
func (t *Trade) Body() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade %d: %w", t.TradeID, err)
	}
	return body, nil
}

// Headers returns the event and processing headers that accompany the trade.
func (t *Trade) Headers(appID string) map[string]any {
	referenceDate := t.CreatedAt.Format(referenceFmt)
	return map[string]any{
		"event.layout":        eventLayout,
		"objectType":          objectType,
		"productType":         productType,
		"account":             t.Account,
		"accountingGroup":     accountingGrp,
		"tradeType":           t.TradeType,
		"eventType":           t.BackofficeStatus,
		"eventId":             t.EventID,
		"correlationId":       correlationPfx + referenceDate,
		"eventDate":           t.CreatedAt.Format(eventDateFmt),
		"eventReferenceDate":  referenceDate,
		"content-type":        "application/json",
		"app-id":              appID,
		"correlation-id":      "test-" + t.ID(),
		"timestamp":           t.UpdateTime,
		"x-trade-id":          t.ID(),
		"x-backoffice-status": t.BackofficeStatus,
	}
}

// AMQPMessage returns the trade as a persistent JSON message with headers and
// properties filled in.
func (t *Trade) AMQPMessage(appID string) (mq.Message, error) {
	if appID == "" {
		appID = DefaultAppID
	}
	body, err := t.Body()
	if err != nil {
		return mq.Message{}, err
	}
	msg := mq.NewMessage(body, t.Headers(appID))
	msg.ContentType = "application/json"
	msg.MessageID = t.EventID
	msg.CorrelationID = "test-" + t.ID()
	msg.AppID = appID
	msg.Timestamp = t.CreatedAt
	return msg, nil
}
