package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/internal/backend"
	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the consumer service",
	Long: `Run the consumer service that:
- Declares the POC exchanges, queues and bindings
- Consumes the POC queues with manual acknowledgment
- Optionally journals every message to PostgreSQL
- Optionally serves the journal over gRPC`,
	RunE: runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)

	consumeCmd.Flags().StringSlice("queues", demo.Queues(), "queues to consume")
	consumeCmd.Flags().Bool("journal", false, "journal received messages to PostgreSQL")
	consumeCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	consumeCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	consumeCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	consumeCmd.Flags().String("db-password", "", "PostgreSQL password")
	consumeCmd.Flags().String("db-name", "rabbitmq_poc", "PostgreSQL database name")
	consumeCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	consumeCmd.Flags().String("grpc-addr", "", "journal gRPC listen address, e.g. :9090 (requires --journal)")

	_ = viper.BindPFlag("consume.queues", consumeCmd.Flags().Lookup("queues"))
	_ = viper.BindPFlag("consume.journal", consumeCmd.Flags().Lookup("journal"))
	_ = viper.BindPFlag("consume.db.host", consumeCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("consume.db.port", consumeCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("consume.db.user", consumeCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("consume.db.password", consumeCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("consume.db.name", consumeCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("consume.db.sslmode", consumeCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("consume.grpc.addr", consumeCmd.Flags().Lookup("grpc-addr"))
}

func runConsume(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting consumer service")
	ctx, stop := signalContext()
	defer stop()

	manager, err := connectWithRetry(ctx, brokerConfig(), connectRetries(), logger)
	if err != nil {
		return finish(ctx, logger, err)
	}

	topology := demo.DefaultTopology()
	config := &backend.ServerConfig{
		Logger:    logger,
		Manager:   manager,
		Topology:  &topology,
		Queues:    viper.GetStringSlice("consume.queues"),
		GRPCAddr:  viper.GetString("consume.grpc.addr"),
		Metrics:   metrics.NewBackendMetrics(metricsNamespace),
		MQMetrics: metrics.NewMQMetrics(metricsNamespace),
	}
	if viper.GetBool("consume.journal") {
		config.DB = &backend.DBConfig{
			Logger:   logger,
			Host:     viper.GetString("consume.db.host"),
			Port:     viper.GetInt("consume.db.port"),
			User:     viper.GetString("consume.db.user"),
			Password: viper.GetString("consume.db.password"),
			DBName:   viper.GetString("consume.db.name"),
			SSLMode:  viper.GetString("consume.db.sslmode"),
		}
	}

	server, err := backend.NewServer(config)
	if err != nil {
		_ = manager.Close()
		logger.Error("failed to create consumer service", "error", err)
		return err
	}

	logger.Info("consumer service configuration",
		"rabbitmq", brokerConfig().Redacted(),
		"queues", config.Queues,
		"journal", config.DB != nil,
		"grpc_addr", config.GRPCAddr,
	)

	return finish(ctx, logger, server.Run(ctx))
}
