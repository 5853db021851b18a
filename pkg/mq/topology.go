package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing behavior of an exchange.
type ExchangeKind string

const (
	// ExchangeDirect routes on an exact routing key match.
	ExchangeDirect ExchangeKind = amqp.ExchangeDirect
	// ExchangeFanout copies every message to all bound queues and ignores the key.
	ExchangeFanout ExchangeKind = amqp.ExchangeFanout
	// ExchangeTopic matches "."-separated keys against "*" and "#" patterns.
	ExchangeTopic ExchangeKind = amqp.ExchangeTopic
)

// DeadLetterExchangeArg is the queue argument naming a dead-letter exchange.
const DeadLetterExchangeArg = "x-dead-letter-exchange"

// ParseExchangeKind validates s as an exchange kind.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch k := ExchangeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported exchange kind %q", s)
	}
}

func (k ExchangeKind) String() string { return string(k) }

// Exchange describes an exchange declaration.
type Exchange struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

// Queue describes a queue declaration.
type Queue struct {
	Args       map[string]any
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Binding routes messages from Exchange to Queue when RoutingKey matches.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is a set of declarations applied together.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DurableExchange returns a durable exchange of the given kind.
func DurableExchange(name string, kind ExchangeKind) Exchange {
	return Exchange{Name: name, Kind: kind, Durable: true}
}

// DurableQueue returns a durable, non-exclusive, non-auto-delete queue.
func DurableQueue(name string) Queue {
	return Queue{Name: name, Durable: true}
}

// DeclareExchange declares ex. Redeclaring with identical parameters is a
// no-op. A conflicting redeclaration makes the broker close the channel; the
// channel is replaced and a *TopologyError is returned.
func (m *Manager) DeclareExchange(ctx context.Context, ex Exchange) error {
	if _, err := ParseExchangeKind(string(ex.Kind)); err != nil {
		return &TopologyError{Op: "declare exchange", Exchange: ex.Name, Err: err}
	}

	err := m.WithChannel(ctx, "declare exchange", func(_ context.Context, ch Channel) error {
		return ch.ExchangeDeclare(ex.Name, string(ex.Kind), ex.Durable, false, false, false, nil)
	})
	if err != nil {
		m.logger.Error("failed to declare exchange", "exchange", ex.Name, "kind", ex.Kind, "error", err)
		return &TopologyError{Op: "declare exchange", Exchange: ex.Name, Err: err}
	}

	m.logger.Info("declared exchange", "exchange", ex.Name, "kind", ex.Kind, "durable", ex.Durable)
	return nil
}

// DeclareQueue declares q and returns the effective queue name, which the
// broker generates when q.Name is empty.
func (m *Manager) DeclareQueue(ctx context.Context, q Queue) (string, error) {
	var declared amqp.Queue
	err := m.WithChannel(ctx, "declare queue", func(_ context.Context, ch Channel) error {
		var err error
		declared, err = ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, toTable(q.Args))
		return err
	})
	if err != nil {
		m.logger.Error("failed to declare queue", "queue", q.Name, "error", err)
		return "", &TopologyError{Op: "declare queue", Queue: q.Name, Err: err}
	}

	m.logger.Info("declared queue", "queue", declared.Name, "durable", q.Durable, "messages", declared.Messages)
	return declared.Name, nil
}

// DeclareQueueIfAbsent checks for the queue passively first. An existing queue
// is left exactly as configured. A missing one is declared durable with an
// empty dead-letter-exchange argument, so the key is present for later use.
// It reports whether the queue was created.
func (m *Manager) DeclareQueueIfAbsent(ctx context.Context, name string) (bool, error) {
	err := m.WithChannel(ctx, "check queue", func(_ context.Context, ch Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err == nil {
		m.logger.Debug("queue already exists", "queue", name)
		return false, nil
	}
	if !IsNotFound(err) {
		m.logger.Error("failed to check queue", "queue", name, "error", err)
		return false, &TopologyError{Op: "check queue", Queue: name, Err: err}
	}

	q := DurableQueue(name)
	q.Args = map[string]any{DeadLetterExchangeArg: ""}
	if _, err := m.DeclareQueue(ctx, q); err != nil {
		return false, err
	}
	return true, nil
}

// BindQueue binds queue to exchange. Binding twice is a no-op.
func (m *Manager) BindQueue(ctx context.Context, b Binding) error {
	err := m.WithChannel(ctx, "bind queue", func(_ context.Context, ch Channel) error {
		return ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil)
	})
	if err != nil {
		m.logger.Error("failed to bind queue",
			"queue", b.Queue,
			"exchange", b.Exchange,
			"routing_key", b.RoutingKey,
			"error", err,
		)
		return &TopologyError{Op: "bind queue", Queue: b.Queue, Exchange: b.Exchange, RoutingKey: b.RoutingKey, Err: err}
	}

	m.logger.Info("bound queue", "queue", b.Queue, "exchange", b.Exchange, "routing_key", b.RoutingKey)
	return nil
}

// ApplyTopology declares exchanges, then queues, then bindings, and stops at
// the first error. Queues go through DeclareQueueIfAbsent.
func (m *Manager) ApplyTopology(ctx context.Context, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := m.DeclareExchange(ctx, ex); err != nil {
			return err
		}
	}
	for _, q := range t.Queues {
		if _, err := m.DeclareQueueIfAbsent(ctx, q.Name); err != nil {
			return err
		}
	}
	for _, b := range t.Bindings {
		if err := m.BindQueue(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// toTable converts header and argument maps to an amqp.Table, including maps
// nested inside maps and slices.
func toTable(m map[string]any) amqp.Table {
	if m == nil {
		return nil
	}
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = toField(v)
	}
	return t
}

func toField(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return toTable(val)
	case amqp.Table:
		return toTable(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toField(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return v
	}
}
