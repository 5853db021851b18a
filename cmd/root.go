// Package main provides the rabbitmq-poc command line.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "rabbitmq-poc",
		Short: "RabbitMQ exchange patterns proof of concept",
		Long: `A RabbitMQ proof of concept built around direct, fanout and topic exchanges:
- demo: interactive menu that publishes and prints what comes back
- send: publish one trade event and exit
- consume: consume the POC queues, optionally journaling to PostgreSQL
- generate: publish trade events on a schedule
- serve: HTTP and gRPC publish API
- status: queues, exchanges and bindings from the management API`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/rabbitmq-poc/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("rabbitmq-host", "localhost", "RabbitMQ host")
	flags.Int("rabbitmq-port", 5672, "RabbitMQ AMQP port")
	flags.String("rabbitmq-vhost", "/", "RabbitMQ virtual host")
	flags.String("rabbitmq-username", "guest", "RabbitMQ username")
	flags.String("rabbitmq-password", "guest", "RabbitMQ password")
	flags.Duration("rabbitmq-dial-timeout", defaultTimeout, "timeout for connecting to RabbitMQ")
	flags.Duration("rabbitmq-heartbeat", defaultHeartbeat, "AMQP heartbeat interval")
	flags.Duration("rabbitmq-operation-timeout", defaultTimeout, "timeout for each broker operation")
	flags.Int("rabbitmq-connect-retries", 0, "extra connection attempts before giving up")

	for key, flag := range map[string]string{
		"log.level":                  "log-level",
		"log.format":                 "log-format",
		"rabbitmq.host":              "rabbitmq-host",
		"rabbitmq.port":              "rabbitmq-port",
		"rabbitmq.vhost":             "rabbitmq-vhost",
		"rabbitmq.username":          "rabbitmq-username",
		"rabbitmq.password":          "rabbitmq-password",
		"rabbitmq.dial_timeout":      "rabbitmq-dial-timeout",
		"rabbitmq.heartbeat":         "rabbitmq-heartbeat",
		"rabbitmq.operation_timeout": "rabbitmq-operation-timeout",
		"rabbitmq.connect_retries":   "rabbitmq-connect-retries",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("failed to bind %s flag: %v", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
