package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/store"
)

const (
	RateLimiterServiceName = "gatekeeper.v1.RateLimiter"
	EvaluateMethod         = "/" + RateLimiterServiceName + "/Evaluate"
)

// RateLimiterServer is the gRPC face of the gateway. Messages are
// google.protobuf.Struct values:
//
//	request:  {"resource": string, "key": string}
//	response: {"allowed": bool, "limit": number, "remaining": number,
//	           "reset_at": unix seconds, "retry_after_seconds": number?}
type RateLimiterServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterRateLimiterServer(s grpc.ServiceRegistrar, srv RateLimiterServer) {
	s.RegisterService(&rateLimiterServiceDesc, srv)
}

var rateLimiterServiceDesc = grpc.ServiceDesc{
	ServiceName: RateLimiterServiceName,
	HandlerType: (*RateLimiterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatekeeper/v1/rate_limiter.proto",
}

func evaluateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RateLimiterServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RateLimiterServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type rateLimiterService struct {
	server *Server
}

func (r *rateLimiterService) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	key := fields["key"].GetStringValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	resource := r.server.registry.Resolve(fields["resource"].GetStringValue())

	d, err := r.server.Evaluate(ctx, resource, key)
	if err != nil && !d.Allowed && !errors.Is(err, store.ErrConflict) {
		return nil, status.Error(codes.Unavailable, "rate limiter unavailable")
	}
	return decisionToStruct(d)
}

func decisionToStruct(d limiter.Decision) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"allowed":   d.Allowed,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetUnix(),
	}
	if d.RetryAfterSeconds != nil {
		m["retry_after_seconds"] = *d.RetryAfterSeconds
	}
	return structpb.NewStruct(m)
}

func decisionFromStruct(s *structpb.Struct) limiter.Decision {
	fields := s.GetFields()
	d := limiter.Decision{
		Allowed:   fields["allowed"].GetBoolValue(),
		Limit:     int64(fields["limit"].GetNumberValue()),
		Remaining: int64(fields["remaining"].GetNumberValue()),
		ResetAt:   time.Unix(int64(fields["reset_at"].GetNumberValue()), 0).UTC(),
	}
	if v, ok := fields["retry_after_seconds"]; ok {
		retry := int64(v.GetNumberValue())
		d.RetryAfterSeconds = &retry
	}
	return d
}

func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.metrics.RecordGRPCRequest(info.FullMethod, code.String())

	s.logger.Info("gRPC request completed",
		"method", info.FullMethod,
		"code", code.String(),
		"duration", time.Since(start),
		"error", err,
	)
	return resp, err
}

// Client calls a gateway's RateLimiter service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Evaluate(ctx context.Context, resource, key string) (limiter.Decision, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"resource": resource,
		"key":      key,
	})
	if err != nil {
		return limiter.Decision{}, err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, EvaluateMethod, req, out); err != nil {
		return limiter.Decision{}, fmt.Errorf("evaluate %s/%s: %w", resource, key, err)
	}
	return decisionFromStruct(out), nil
}
