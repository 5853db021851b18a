package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/pkg/generator"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish one trade event and exit",
	Long: `Declare the POC topology, publish one generated trade event to the
given exchange and routing key, then exit.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("exchange", demo.DirectExchange, "exchange to publish to")
	sendCmd.Flags().String("routing-key", demo.RoutingKeyOne, "routing key")
	sendCmd.Flags().String("message", "", "free text carried in the trade event (random when empty)")
	sendCmd.Flags().String("app-id", generator.DefaultAppID, "AppId stamped on the message")

	_ = viper.BindPFlag("send.exchange", sendCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("send.routing_key", sendCmd.Flags().Lookup("routing-key"))
	_ = viper.BindPFlag("send.message", sendCmd.Flags().Lookup("message"))
	_ = viper.BindPFlag("send.app_id", sendCmd.Flags().Lookup("app-id"))
}

func runSend(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	ctx, stop := signalContext()
	defer stop()

	manager, err := connectWithRetry(ctx, brokerConfig(), connectRetries(), logger)
	if err != nil {
		return finish(ctx, logger, err)
	}
	defer func() { _ = manager.Close() }()

	if err := manager.ApplyTopology(ctx, demo.DefaultTopology()); err != nil {
		return finish(ctx, logger, err)
	}

	publisher, err := mq.NewPublisher(manager)
	if err != nil {
		return err
	}

	trade := generator.NewTradeWithMessage(viper.GetString("send.message"))
	msg, err := trade.AMQPMessage(viper.GetString("send.app_id"))
	if err != nil {
		return err
	}

	exchange := viper.GetString("send.exchange")
	key := viper.GetString("send.routing_key")
	if err := publisher.Publish(ctx, exchange, key, msg); err != nil {
		return finish(ctx, logger, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Message sent to exchange '%s' with routing key '%s' (trade %d)\n", exchange, key, trade.TradeID)
	return nil
}
