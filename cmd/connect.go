package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// newBackoff is the retry policy between connection attempts.
var newBackoff = func() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	return policy
}

// connectWithRetry connects to the broker, trying again up to retries times
// when the dial itself fails. Configuration errors are not retried. The mq
// package never retries on its own; this is the caller-side policy.
func connectWithRetry(ctx context.Context, cfg mq.Config, retries int, logger *slog.Logger) (*mq.Manager, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), uint64(max(retries, 0))), ctx)

	var manager *mq.Manager
	connect := func() error {
		m, err := mq.Connect(ctx, cfg, logger)
		if err != nil {
			var connErr *mq.ConnectionError
			if !errors.As(err, &connErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		manager = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("connection attempt failed, retrying",
			"addr", cfg.Addr(),
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, err
	}
	return manager, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// finish logs how a command ended. Cancellation by the user is not an error.
func finish(ctx context.Context, logger *slog.Logger, err error) error {
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		logger.Info("terminated by user")
		return nil
	}
	if err != nil {
		logger.Error("command failed", "error", err)
	}
	return err
}
