package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// HealthChecker reports whether the broker connection is usable.
type HealthChecker interface {
	IsOpen() bool
}

// Server serves the publish API over HTTP and, optionally, gRPC.
type Server struct {
	logger     *slog.Logger
	publisher  mq.MessagePublisher
	health     HealthChecker
	metrics    *metrics.APIMetrics
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	grpcServer *grpc.Server
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger    *slog.Logger
	Publisher mq.MessagePublisher
	Health    HealthChecker

	// HTTPAddr is the HTTP listen address, e.g. ":8080".
	HTTPAddr string

	// GRPCAddr serves MessageService when set.
	GRPCAddr string

	// Metrics is optional; Gatherer defaults to the global registry.
	Metrics  *metrics.APIMetrics
	Gatherer prometheus.Gatherer
}

// NewServer creates a new API Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("HTTP address cannot be empty")
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.Registry
	}

	return &Server{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		gatherer:  gatherer,
		config:    cfg,
		now:       time.Now,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", s.instrument("/health", s.handleHealth))
	mux.Handle("POST /api/rabbitmq/message", s.instrument("/api/rabbitmq/message", s.handlePublish))
	mux.Handle("POST /publish", s.instrument("/publish", s.handleFormPublish))
	mux.Handle("GET /metrics", metrics.HandlerFor(s.gatherer))

	// Index page (catch-all, must be last)
	mux.Handle("GET /{$}", s.instrument("/", s.handleIndex))

	return mux
}

// MessageService returns the gRPC publish service backed by s.
func (s *Server) MessageService() MessageServiceServer {
	return &messageService{server: s}
}

// Run starts the servers and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting API server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.httpServer = &http.Server{
		Addr:              s.config.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 2)

	if s.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}
		s.grpcServer = grpc.NewServer()
		RegisterMessageServiceServer(s.grpcServer, s.MessageService())

		s.logger.Info("starting gRPC server", "address", lis.Addr().String())
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				serveErr <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.logger.Info("API server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		cancel()
		_ = s.Shutdown()
		return err
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down API server")

	var shutdownErr error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if shutdownErr != nil {
		s.logger.Error("API server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("API server shutdown completed successfully")
	return nil
}

// publish validates and publishes req. It is shared by both transports.
func (s *Server) publish(ctx context.Context, transport string, req *PublishRequest) (Response, error) {
	err := req.Validate()
	if err == nil {
		var msg mq.Message
		msg, err = req.Message()
		if err == nil {
			err = s.publisher.Publish(ctx, req.Exchange, req.RoutingKey, msg)
		}
	}

	status := "success"
	switch {
	case err == nil:
	case isValidation(err):
		status = "invalid"
	default:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.PublishRequests.WithLabelValues(transport, status).Inc()
	}

	if err != nil {
		s.logger.Error("failed to send message",
			"transport", transport,
			"exchange", req.Exchange,
			"routing_key", req.RoutingKey,
			"error", err,
		)
		return Response{Timestamp: s.now(), Message: "Failed to send message: " + err.Error()}, err
	}

	s.logger.Info("message sent",
		"transport", transport,
		"exchange", req.Exchange,
		"routing_key", req.RoutingKey,
	)
	return Response{Timestamp: s.now(), Message: "Message sent to RabbitMQ", Success: true}, nil
}
