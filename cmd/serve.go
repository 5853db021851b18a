package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/internal/api"
	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the publish API",
	Long: `Run the publish API that:
- Accepts POST /api/rabbitmq/message {exchange, routingKey, body, headers}
- Serves an HTML publish form on /
- Reports broker availability on /health and metrics on /metrics
- Optionally serves rabbitmqpoc.MessageService over gRPC`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address, e.g. :9090 (disabled when empty)")
	serveCmd.Flags().Bool("declare-topology", true, "declare the POC exchanges and queues on startup")

	_ = viper.BindPFlag("serve.http.addr", serveCmd.Flags().Lookup("http-addr"))
	_ = viper.BindPFlag("serve.grpc.addr", serveCmd.Flags().Lookup("grpc-addr"))
	_ = viper.BindPFlag("serve.declare_topology", serveCmd.Flags().Lookup("declare-topology"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting API server")
	ctx, stop := signalContext()
	defer stop()

	manager, err := connectWithRetry(ctx, brokerConfig(), connectRetries(), logger)
	if err != nil {
		return finish(ctx, logger, err)
	}
	defer func() { _ = manager.Close() }()

	mqMetrics := metrics.NewMQMetrics(metricsNamespace)
	manager.SetMetrics(mqMetrics)

	if viper.GetBool("serve.declare_topology") {
		if err := manager.ApplyTopology(ctx, demo.DefaultTopology()); err != nil {
			return finish(ctx, logger, err)
		}
	}

	publisher, err := mq.NewPublisher(manager)
	if err != nil {
		return err
	}
	publisher.SetMetrics(mqMetrics)

	config := &api.ServerConfig{
		Logger:    logger,
		Publisher: publisher,
		Health:    manager,
		HTTPAddr:  viper.GetString("serve.http.addr"),
		GRPCAddr:  viper.GetString("serve.grpc.addr"),
		Metrics:   metrics.NewAPIMetrics(metricsNamespace),
	}

	server, err := api.NewServer(config)
	if err != nil {
		logger.Error("failed to create API server", "error", err)
		return err
	}

	logger.Info("API server configuration",
		"rabbitmq", brokerConfig().Redacted(),
		"http_addr", config.HTTPAddr,
		"grpc_addr", config.GRPCAddr,
	)

	return finish(ctx, logger, server.Run(ctx))
}
