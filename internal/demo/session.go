package demo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// SessionConfig holds the configuration for an interactive Session.
type SessionConfig struct {
	Logger    *slog.Logger
	Publisher mq.MessagePublisher
	Consumer  mq.MessageConsumer
	In        io.Reader
	Out       io.Writer
	// AppID is stamped on published messages; generator.DefaultAppID when empty.
	AppID string
	// Queues to consume; Queues() when empty.
	Queues []string
}

// Session reads menu choices from In and publishes trade messages, while a
// consumer prints every message received on the POC queues to Out.
type Session struct {
	logger    *slog.Logger
	publisher mq.MessagePublisher
	consumer  mq.MessageConsumer
	in        io.Reader
	appID     string
	queues    []string

	outMu sync.Mutex
	out   io.Writer
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}
	if cfg.In == nil || cfg.Out == nil {
		return nil, errors.New("input and output are required")
	}

	queues := cfg.Queues
	if len(queues) == 0 {
		queues = Queues()
	}
	appID := cfg.AppID
	if appID == "" {
		appID = generator.DefaultAppID
	}

	return &Session{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		consumer:  cfg.Consumer,
		in:        cfg.In,
		out:       cfg.Out,
		appID:     appID,
		queues:    queues,
	}, nil
}

// Run consumes the session queues and serves the menu until the user exits,
// input ends, ctx is cancelled or the consumer stops. The consumer's error,
// if any, is returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, queue := range s.queues {
		if _, err := s.consumer.StartConsuming(ctx, queue, "", s.print); err != nil {
			s.consumer.StopConsuming(ctx)
			return fmt.Errorf("failed to start consumer on %s: %w", queue, err)
		}
	}

	consumed := make(chan error, 1)
	go func() {
		err := s.consumer.Run(ctx)
		consumed <- err
		cancel()
	}()

	lines := make(chan string)
	go s.scan(ctx, lines)

	s.write(PrintMenu)
	s.loop(ctx, lines)

	cancel()
	if err := <-consumed; err != nil {
		s.logger.Error("consumer stopped", "error", err)
		return err
	}
	return nil
}

// scan feeds input lines to lines and closes it at end of input. A Read
// blocked on a terminal is left behind when the session ends.
func (s *Session) scan(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		select {
		case lines <- strings.TrimSpace(scanner.Text()):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, lines <-chan string) {
	read := func() (string, bool) {
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-lines:
			return line, ok
		}
	}

	for {
		choice, ok := read()
		if !ok {
			return
		}
		if choice == "0" {
			s.printf("Exiting...\n")
			return
		}

		target, found := Targets[choice]
		if !found {
			s.printf("Invalid choice %q\n", choice)
			s.write(PrintMenu)
			continue
		}

		var key string
		if target.AskKey {
			s.printf("Enter routing key [%s]: ", target.DefaultKey)
			if key, ok = read(); !ok {
				return
			}
			if key == "" {
				key = target.DefaultKey
			}
		}

		s.printf("Enter message: ")
		text, ok := read()
		if !ok {
			return
		}

		s.send(ctx, target, key, text)
		s.write(PrintMenu)
	}
}

// send publishes text as a trade message. A failure is reported and the
// message is not sent again.
func (s *Session) send(ctx context.Context, target Target, key, text string) {
	trade := generator.NewTradeWithMessage(text)
	msg, err := trade.AMQPMessage(s.appID)
	if err != nil {
		s.printf("Failed to build message: %v\n", err)
		return
	}

	if err := s.publisher.Publish(ctx, target.Exchange, key, msg); err != nil {
		s.logger.Error("failed to send message", "exchange", target.Exchange, "routing_key", key, "error", err)
		s.printf("Failed to send message: %v\n", err)
		return
	}
	s.printf("Message sent to %s exchange '%s' with routing key '%s' (trade %s)\n",
		target.Kind, target.Exchange, key, trade.ID())
}

// print is the consumer handler: it shows the message and the menu again.
func (s *Session) print(_ context.Context, d mq.Delivery) error {
	s.write(func(w io.Writer) {
		fmt.Fprint(w, FormatDelivery(d))
		PrintMenu(w)
	})
	return nil
}

func (s *Session) printf(format string, args ...any) {
	s.write(func(w io.Writer) { fmt.Fprintf(w, format, args...) })
}

func (s *Session) write(fn func(w io.Writer)) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fn(s.out)
}
