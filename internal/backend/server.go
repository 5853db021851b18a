package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// Server runs the consumer service with an optional journal and journal gRPC API.
type Server struct {
	logger     *slog.Logger
	db         *gorm.DB
	consumer   *Consumer
	grpcServer *grpc.Server
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Manager is the RabbitMQ connection the service consumes on. It is
	// closed on shutdown.
	Manager *mq.Manager

	// Topology is declared before consuming when set.
	Topology *mq.Topology

	// Queues to consume.
	Queues []string

	// DB enables the PostgreSQL journal when set.
	DB *DBConfig

	// GRPCAddr serves the journal API when set; it requires DB.
	GRPCAddr string

	Metrics   *metrics.BackendMetrics
	MQMetrics *metrics.MQMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Manager == nil {
		return nil, errors.New("rabbitmq manager cannot be nil")
	}

	if len(cfg.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}

	if cfg.GRPCAddr != "" && cfg.DB == nil {
		return nil, errors.New("gRPC journal API requires a database")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run declares the topology, starts consuming and blocks until a shutdown
// signal, ctx cancellation, or a consumer or gRPC failure.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting consumer service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- s.consumer.Run(ctx)
	}()

	grpcErr := make(chan error, 1)
	if s.grpcServer != nil {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			cancel()
			<-consumerErr
			_ = s.Shutdown()
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}
		s.logger.Info("starting gRPC server", "address", lis.Addr().String())
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				grpcErr <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	s.logger.Info("consumer service started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		runErr = <-consumerErr
	case <-ctx.Done():
		s.logger.Info("context canceled")
		runErr = <-consumerErr
	case err := <-consumerErr:
		if err != nil {
			s.logger.Error("consumer stopped with error", "error", err)
		}
		runErr = err
	case err := <-grpcErr:
		s.logger.Error("gRPC server error", "error", err)
		cancel()
		<-consumerErr
		runErr = err
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// start prepares the topology, journal and consumer.
func (s *Server) start(ctx context.Context) error {
	if s.config.MQMetrics != nil {
		s.config.Manager.SetMetrics(s.config.MQMetrics)
	}

	if s.config.Topology != nil {
		if err := s.config.Manager.ApplyTopology(ctx, *s.config.Topology); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}
		s.logger.Info("topology declared")
	}

	var journal *Journal
	if s.config.DB != nil {
		dbCfg := *s.config.DB
		dbCfg.Logger = s.logger
		db, err := NewDB(&dbCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		s.db = db

		journal, err = NewJournal(s.logger, db, s.config.Metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize journal: %w", err)
		}
		s.logger.Info("journal initialized successfully")
	}

	mqConsumer, err := mq.NewConsumer(s.config.Manager)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	if s.config.MQMetrics != nil {
		mqConsumer.SetMetrics(s.config.MQMetrics)
	}
	mqConsumer.OnRequeue(func(d mq.Delivery, herr *mq.HandlerError) {
		s.logger.Warn("message requeued", "queue", herr.Queue, "message_id", d.MessageID, "redelivered", d.Redelivered)
	})

	consumerCfg := &ConsumerConfig{
		Logger:   s.logger,
		Consumer: mqConsumer,
		Metrics:  s.config.Metrics,
		Queues:   s.config.Queues,
	}
	if journal != nil {
		consumerCfg.Journal = journal
	}
	s.consumer, err = NewConsumer(consumerCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	if s.config.GRPCAddr != "" {
		service, err := NewJournalService(s.logger, journal, s.config.Metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize gRPC service: %w", err)
		}
		s.grpcServer = grpc.NewServer()
		RegisterJournalServiceServer(s.grpcServer, service)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down consumer service")

	var shutdownErr error

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if s.consumer != nil {
		s.consumer.Stop(context.Background())
	}

	if err := s.config.Manager.Close(); err != nil {
		s.logger.Error("failed to close RabbitMQ connection", "error", err)
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("rabbitmq close error: %w", err))
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
		s.db = nil
	}

	if shutdownErr != nil {
		s.logger.Error("consumer service shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("consumer service shutdown completed successfully")
	return nil
}
