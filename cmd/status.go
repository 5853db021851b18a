package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/internal/inspect"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show POC queues, exchanges and bindings",
	Long: `Read the broker through the management API and print every exchange,
queue and binding whose name starts with the prefix, with message and
consumer counts per queue.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("management-url", inspect.DefaultURL, "RabbitMQ management API URL")
	statusCmd.Flags().String("prefix", "poc.", "only show names with this prefix")

	_ = viper.BindPFlag("rabbitmq.management_url", statusCmd.Flags().Lookup("management-url"))
	_ = viper.BindPFlag("status.prefix", statusCmd.Flags().Lookup("prefix"))
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	broker := brokerConfig()

	client, err := inspect.NewClient(inspect.Config{
		URL:      viper.GetString("rabbitmq.management_url"),
		Username: broker.Username,
		Password: broker.Password,
		Timeout:  broker.DialTimeout,
	})
	if err != nil {
		return err
	}

	inspector, err := inspect.New(client, broker.Vhost, logger)
	if err != nil {
		return err
	}

	report, err := inspector.Snapshot(viper.GetString("status.prefix"))
	if err != nil {
		return err
	}
	return report.Write(cmd.OutOrStdout())
}
