package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// DefaultSchedule publishes one trade per producer every five seconds.
const DefaultSchedule = "@every 5s"

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Publisher publishes the generated trades
	Publisher mq.MessagePublisher
	// Manager is closed on shutdown when set
	Manager mq.ChannelManager
	// Exchange and RoutingKey address every published trade
	Exchange   string
	RoutingKey string
	// AppID is stamped on every message
	AppID string
	// Schedule is a cron spec or descriptor such as "@every 5s"
	Schedule string
	// ProducerCount is the number of scheduled producers
	ProducerCount int
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.ProducerMetrics
}

// Server runs producers on a cron schedule.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	producers []*Producer
	cron      *cron.Cron
	metrics   *metrics.ProducerMetrics
	closeOnce sync.Once
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errInvalidSchedule      = errors.New("invalid schedule")
	errLoggerRequired       = errors.New("logger is required")
	errPublisherRequired    = errors.New("publisher is required")
)

// NewServer creates a new producer server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Publisher == nil {
		return nil, errPublisherRequired
	}

	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("%w %q: %w", errInvalidSchedule, cfg.Schedule, err)
	}

	cronLogger := cronLog{logger: cfg.Logger.With(slog.String("component", "cron"))}
	s := &Server{
		config:    cfg,
		producers: make([]*Producer, 0, cfg.ProducerCount),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}

	for i := 0; i < cfg.ProducerCount; i++ {
		producer := NewProducer(cfg.Publisher, cfg.Exchange, cfg.RoutingKey, cfg.AppID)
		if cfg.Metrics != nil {
			producer.SetMetrics(cfg.Metrics)
		}
		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"exchange", cfg.Exchange,
			"routing_key", cfg.RoutingKey,
		)
	}

	return s, nil
}

// Producers returns the scheduled producers.
func (s *Server) Producers() []*Producer {
	return s.producers
}

// Run schedules all producers and blocks until a shutdown signal is received
// or ctx is cancelled. Runs in flight are allowed to finish.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for i, producer := range s.producers {
		logger := s.logger.With(slog.Int("producer_id", i))
		if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.tick(ctx, logger, producer) }); err != nil {
			return fmt.Errorf("failed to schedule producer %d: %w", i, err)
		}
	}
	if s.metrics != nil {
		s.metrics.ActiveProducers.Set(float64(len(s.producers)))
		defer s.metrics.ActiveProducers.Set(0)
	}

	s.cron.Start()
	s.logger.Info("producer server started",
		"producer_count", len(s.producers),
		"schedule", s.config.Schedule,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for producers to shut down...")
	<-s.cron.Stop().Done()

	s.closeManager()

	s.logger.Info("producer server stopped")
	return nil
}

// tick is one scheduled run of a producer.
func (s *Server) tick(ctx context.Context, logger *slog.Logger, producer *Producer) {
	if ctx.Err() != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.ScheduledRuns.Inc()
	}

	trade, err := producer.PublishTrade(ctx)
	if err != nil {
		// Keep the schedule running; the next tick tries again with a new trade.
		logger.Error("failed to publish trade", "error", err)
		return
	}
	logger.Debug("trade published", "trade_id", trade.TradeID, "event_id", trade.EventID)
}

// closeManager closes the configured manager once.
func (s *Server) closeManager() {
	s.closeOnce.Do(func() {
		if s.config.Manager == nil {
			return
		}
		if err := s.config.Manager.Close(); err != nil {
			s.logger.Error("failed to close RabbitMQ connection", "error", err)
			return
		}
		s.logger.Info("RabbitMQ connection closed")
	})
}

// Shutdown stops the schedule and closes the manager.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	<-s.cron.Stop().Done()
	s.closeManager()
	return nil
}

// cronLog adapts slog to cron.Logger.
type cronLog struct {
	logger *slog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
