package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/internal/producer"
	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Publish trade events on a schedule",
	Long: `Run the trade generator that:
- Declares the POC exchanges, queues and bindings
- Publishes a generated trade event on every tick of a cron schedule
- Supports multiple producers sharing one channel`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("exchange", demo.TopicExchange, "exchange to publish to")
	generateCmd.Flags().String("routing-key", demo.DefaultTopicKey, "routing key")
	generateCmd.Flags().String("schedule", producer.DefaultSchedule, `cron spec or descriptor, e.g. "@every 5s" or "*/1 * * * *"`)
	generateCmd.Flags().Int("producer-count", 1, "number of scheduled producers")
	generateCmd.Flags().String("app-id", generator.DefaultAppID, "AppId stamped on every message")

	_ = viper.BindPFlag("generate.exchange", generateCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("generate.routing_key", generateCmd.Flags().Lookup("routing-key"))
	_ = viper.BindPFlag("generate.schedule", generateCmd.Flags().Lookup("schedule"))
	_ = viper.BindPFlag("generate.producer_count", generateCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("generate.app_id", generateCmd.Flags().Lookup("app-id"))
}

func runGenerate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting generator service")
	ctx, stop := signalContext()
	defer stop()

	manager, err := connectWithRetry(ctx, brokerConfig(), connectRetries(), logger)
	if err != nil {
		return finish(ctx, logger, err)
	}
	mqMetrics := metrics.NewMQMetrics(metricsNamespace)
	manager.SetMetrics(mqMetrics)

	if err := manager.ApplyTopology(ctx, demo.DefaultTopology()); err != nil {
		_ = manager.Close()
		return finish(ctx, logger, err)
	}

	publisher, err := mq.NewPublisher(manager)
	if err != nil {
		_ = manager.Close()
		return err
	}
	publisher.SetMetrics(mqMetrics)

	config := &producer.ServerConfig{
		Logger:        logger,
		Publisher:     publisher,
		Manager:       manager,
		Exchange:      viper.GetString("generate.exchange"),
		RoutingKey:    viper.GetString("generate.routing_key"),
		AppID:         viper.GetString("generate.app_id"),
		Schedule:      viper.GetString("generate.schedule"),
		ProducerCount: viper.GetInt("generate.producer_count"),
		Metrics:       metrics.NewProducerMetrics(metricsNamespace),
	}

	server, err := producer.NewServer(config)
	if err != nil {
		_ = manager.Close()
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"rabbitmq", brokerConfig().Redacted(),
		"exchange", config.Exchange,
		"routing_key", config.RoutingKey,
		"schedule", config.Schedule,
		"producer_count", config.ProducerCount,
	)

	return finish(ctx, logger, server.Run(ctx))
}
