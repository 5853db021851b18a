package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageServiceName is the fully qualified gRPC service name.
const MessageServiceName = "rabbitmqpoc.MessageService"

// MessageServiceServer publishes messages over gRPC. The request is a
// google.protobuf.Struct with the PublishRequest fields (exchange,
// routingKey, body, headers); the response carries success, message and
// timestamp.
type MessageServiceServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// MessageServiceDesc describes the message service for grpc.Server.RegisterService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rabbitmqpoc/message.proto",
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MessageServiceServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + MessageServiceName + "/Publish"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MessageServiceServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterMessageServiceServer registers srv on s.
func RegisterMessageServiceServer(s grpc.ServiceRegistrar, srv MessageServiceServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}

// MessageServiceClient calls MessageService.
type MessageServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMessageServiceClient returns a client on cc.
func NewMessageServiceClient(cc grpc.ClientConnInterface) *MessageServiceClient {
	return &MessageServiceClient{cc: cc}
}

// Publish sends req and returns the decoded response.
func (c *MessageServiceClient) Publish(ctx context.Context, req *PublishRequest, opts ...grpc.CallOption) (*Response, error) {
	fields := map[string]any{
		"exchange":   req.Exchange,
		"routingKey": req.RoutingKey,
		"body":       req.Body,
	}
	if len(req.Headers) > 0 {
		fields["headers"] = req.Headers
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request cannot be encoded: %v", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+MessageServiceName+"/Publish", in, out, opts...); err != nil {
		return nil, err
	}

	resp := &Response{
		Success: out.GetFields()["success"].GetBoolValue(),
		Message: out.GetFields()["message"].GetStringValue(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, out.GetFields()["timestamp"].GetStringValue()); err == nil {
		resp.Timestamp = ts
	}
	return resp, nil
}

// messageService implements MessageServiceServer on a Server.
type messageService struct {
	server *Server
}

// Publish publishes the request. Validation failures map to
// InvalidArgument, broker failures to Unavailable.
func (m *messageService) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s := m.server
	code := codes.OK
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues("Publish"))
		defer timer.ObserveDuration()
		defer func() {
			result := "success"
			if code != codes.OK {
				result = "error"
			}
			s.metrics.GRPCRequestsTotal.WithLabelValues("Publish", result).Inc()
		}()
	}

	fields := in.GetFields()
	req := &PublishRequest{
		Exchange:   fields["exchange"].GetStringValue(),
		RoutingKey: fields["routingKey"].GetStringValue(),
	}
	if v, ok := fields["body"]; ok {
		req.Body = v.AsInterface()
	}
	if h := fields["headers"].GetStructValue(); h != nil {
		req.Headers = h.AsMap()
	}

	resp, err := s.publish(ctx, "grpc", req)
	if err != nil {
		code = codes.Unavailable
		if isValidation(err) {
			code = codes.InvalidArgument
		}
		return nil, status.Error(code, resp.Message)
	}

	out, err := structpb.NewStruct(map[string]any{
		"success":   resp.Success,
		"message":   resp.Message,
		"timestamp": resp.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		code = codes.Internal
		return nil, status.Errorf(code, "failed to encode response: %v", err)
	}
	return out, nil
}
