package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/gorm"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

// JournalServiceName is the fully qualified gRPC service name.
const JournalServiceName = "rabbitmqpoc.JournalService"

// JournalServiceServer is the server API for the journal service. Requests
// and responses are google.protobuf.Struct values:
//
//	ListMessages {queue?, limit?} -> {messages: [...]}
//	GetTrade     {event_id}       -> {trade_id, event_id, status, ...}
type JournalServiceServer interface {
	ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTrade(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// JournalServiceDesc describes the journal service for grpc.Server.RegisterService.
var JournalServiceDesc = grpc.ServiceDesc{
	ServiceName: JournalServiceName,
	HandlerType: (*JournalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListMessages", Handler: journalHandler("ListMessages", JournalServiceServer.ListMessages)},
		{MethodName: "GetTrade", Handler: journalHandler("GetTrade", JournalServiceServer.GetTrade)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rabbitmqpoc/journal.proto",
}

func journalHandler(method string, call func(JournalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JournalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + JournalServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JournalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterJournalServiceServer registers srv on s.
func RegisterJournalServiceServer(s grpc.ServiceRegistrar, srv JournalServiceServer) {
	s.RegisterService(&JournalServiceDesc, srv)
}

// JournalService implements JournalServiceServer on a Journal.
type JournalService struct {
	logger  *slog.Logger
	journal *Journal
	metrics *metrics.BackendMetrics // Optional metrics
}

var _ JournalServiceServer = (*JournalService)(nil)

// NewJournalService creates a new JournalService instance.
func NewJournalService(logger *slog.Logger, journal *Journal, m *metrics.BackendMetrics) (*JournalService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if journal == nil {
		return nil, errors.New("journal cannot be nil")
	}

	return &JournalService{
		logger:  logger,
		journal: journal,
		metrics: m,
	}, nil
}

// ListMessages returns the newest journaled messages.
func (s *JournalService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	done := s.track("ListMessages")

	fields := req.GetFields()
	queue := fields["queue"].GetStringValue()
	limit := int(fields["limit"].GetNumberValue())
	if limit < 0 {
		done("error")
		return nil, status.Error(codes.InvalidArgument, "limit cannot be negative")
	}

	s.logger.Info("ListMessages called", "queue", queue, "limit", limit)

	messages, err := s.journal.Recent(ctx, queue, limit)
	if err != nil {
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to fetch messages: %v", err)
	}

	list := make([]any, 0, len(messages))
	for _, m := range messages {
		list = append(list, map[string]any{
			"queue":          m.Queue,
			"exchange":       m.Exchange,
			"routing_key":    m.RoutingKey,
			"message_id":     m.MessageID,
			"correlation_id": m.CorrelationID,
			"content_type":   m.ContentType,
			"body":           m.Body,
			"redelivered":    m.Redelivered,
			"received_at":    m.ReceivedAt.Format(time.RFC3339Nano),
		})
	}

	resp, err := structpb.NewStruct(map[string]any{"messages": list})
	if err != nil {
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to encode messages: %v", err)
	}

	s.logger.Info("fetched messages", "count", len(list))
	done("success")
	return resp, nil
}

// GetTrade returns one journaled trade event by event id.
func (s *JournalService) GetTrade(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	done := s.track("GetTrade")

	eventID := req.GetFields()["event_id"].GetStringValue()
	if eventID == "" {
		done("error")
		return nil, status.Error(codes.InvalidArgument, "event_id cannot be empty")
	}

	s.logger.Info("GetTrade called", "event_id", eventID)

	trade, err := s.journal.Trade(ctx, eventID)
	if err != nil {
		done("error")
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("trade not found", "event_id", eventID)
			return nil, status.Errorf(codes.NotFound, "trade not found: %s", eventID)
		}
		return nil, status.Errorf(codes.Internal, "failed to fetch trade: %v", err)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"event_id":          trade.EventID,
		"trade_id":          trade.TradeID,
		"update_time":       trade.UpdateTime,
		"backoffice_status": trade.BackofficeStatus,
		"status":            trade.Status,
		"type":              trade.Type,
		"trade_type":        trade.TradeType,
		"account":           trade.Account,
		"message":           trade.Message,
	})
	if err != nil {
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to encode trade: %v", err)
	}

	done("success")
	return resp, nil
}

// track starts timing method and returns a func that records its outcome.
func (s *JournalService) track(method string) func(status string) {
	if s.metrics == nil {
		return func(string) {}
	}
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))
	return func(status string) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	}
}
