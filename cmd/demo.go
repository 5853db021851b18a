package main

import (
	"os"

	"github.com/spf13/cobra"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the interactive exchange demo",
	Long: `Declare the POC exchanges and queues, consume all three queues in the
background and publish from an interactive menu:
  1. direct exchange  (routing key poc.key.one or poc.key.two)
  2. fanout exchange  (routing key ignored)
  3. topic exchange   (keys matching poc.topic.#)`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(_ *cobra.Command, _ []string) error {
	// Logs go to stderr so the menu stays readable.
	logger := newLogger(os.Stderr)
	ctx, stop := signalContext()
	defer stop()

	publishing, err := connectWithRetry(ctx, brokerConfig(), connectRetries(), logger)
	if err != nil {
		return finish(ctx, logger, err)
	}
	defer func() { _ = publishing.Close() }()

	if err := publishing.ApplyTopology(ctx, demo.DefaultTopology()); err != nil {
		return finish(ctx, logger, err)
	}

	// The consumer gets its own channel on the same connection.
	conn, err := publishing.Connection(ctx)
	if err != nil {
		return finish(ctx, logger, err)
	}
	consuming, err := mq.Adopt(conn, logger)
	if err != nil {
		return err
	}
	defer func() { _ = consuming.Close() }()

	publisher, err := mq.NewPublisher(publishing)
	if err != nil {
		return err
	}
	consumer, err := mq.NewConsumer(consuming)
	if err != nil {
		return err
	}
	consumer.OnRequeue(func(d mq.Delivery, herr *mq.HandlerError) {
		logger.Warn("message requeued", "queue", herr.Queue, "delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered)
	})

	session, err := demo.NewSession(&demo.SessionConfig{
		Logger:    logger,
		Publisher: publisher,
		Consumer:  consumer,
		In:        os.Stdin,
		Out:       os.Stdout,
	})
	if err != nil {
		return err
	}

	return finish(ctx, logger, session.Run(ctx))
}
