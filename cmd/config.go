package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"procodus.dev/rabbitmq-poc/pkg/logger"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

const (
	envPrefix        = "RABBITMQ_POC"
	metricsNamespace = "rabbitmq_poc"
	defaultTimeout   = 5 * time.Second
	defaultHeartbeat = 10 * time.Second
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/rabbitmq-poc/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// RABBITMQ_POC_RABBITMQ_HOST, RABBITMQ_POC_LOG_LEVEL, ...
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a logger on stdout based on configuration.
func GetLogger() *slog.Logger {
	return newLogger(os.Stdout)
}

func newLogger(out io.Writer) *slog.Logger {
	return logger.New(&logger.Config{
		Output: out,
		Format: logger.ParseFormat(viper.GetString("log.format")),
		Level:  logger.ParseLevel(viper.GetString("log.level")),
	})
}

// brokerConfig assembles the connection settings. Zero values fall back to
// the stock local broker.
func brokerConfig() mq.Config {
	cfg := mq.DefaultConfig()
	if v := viper.GetString("rabbitmq.host"); v != "" {
		cfg.Host = v
	}
	if v := viper.GetInt("rabbitmq.port"); v != 0 {
		cfg.Port = v
	}
	if v := viper.GetString("rabbitmq.vhost"); v != "" {
		cfg.Vhost = v
	}
	if v := viper.GetString("rabbitmq.username"); v != "" {
		cfg.Username = v
	}
	if viper.IsSet("rabbitmq.password") {
		cfg.Password = viper.GetString("rabbitmq.password")
	}
	if v := viper.GetDuration("rabbitmq.dial_timeout"); v > 0 {
		cfg.DialTimeout = v
	}
	if v := viper.GetDuration("rabbitmq.heartbeat"); v > 0 {
		cfg.Heartbeat = v
	}
	if v := viper.GetDuration("rabbitmq.operation_timeout"); v > 0 {
		cfg.OperationTimeout = v
	}
	return cfg
}

func connectRetries() int {
	return max(viper.GetInt("rabbitmq.connect_retries"), 0)
}
