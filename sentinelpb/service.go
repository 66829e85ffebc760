package sentinelpb

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "sentinel.Sentinel"

// SentinelServer is the server-side contract for the Sentinel service:
// ExchangeMetrics publishes the caller's local rates and returns the
// server's own, and ShouldThrottle is the remote admission query.
type SentinelServer interface {
	ExchangeMetrics(ctx context.Context, in *Metrics) (*Metrics, error)
	ShouldThrottle(ctx context.Context, in *ShouldThrottleRequest) (*ShouldThrottleResponse, error)
}

// RegisterSentinelServer registers srv on s under the Sentinel service
// descriptor.
func RegisterSentinelServer(s grpc.ServiceRegistrar, srv SentinelServer) {
	s.RegisterService(&serviceDesc, srv)
}

func exchangeMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Metrics)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SentinelServer).ExchangeMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ExchangeMetrics"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SentinelServer).ExchangeMetrics(ctx, req.(*Metrics))
	}
	return interceptor(ctx, in, info, handler)
}

func shouldThrottleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShouldThrottleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SentinelServer).ShouldThrottle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ShouldThrottle"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SentinelServer).ShouldThrottle(ctx, req.(*ShouldThrottleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SentinelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExchangeMetrics", Handler: exchangeMetricsHandler},
		{MethodName: "ShouldThrottle", Handler: shouldThrottleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentinel.proto",
}

// SentinelClient is the client-side contract for the Sentinel service.
type SentinelClient interface {
	ExchangeMetrics(ctx context.Context, in *Metrics, opts ...grpc.CallOption) (*Metrics, error)
	ShouldThrottle(ctx context.Context, in *ShouldThrottleRequest, opts ...grpc.CallOption) (*ShouldThrottleResponse, error)
}

type sentinelClient struct {
	cc grpc.ClientConnInterface
}

// NewSentinelClient returns a SentinelClient that invokes RPCs over cc using
// the JSON codec registered in codec.go.
func NewSentinelClient(cc grpc.ClientConnInterface) SentinelClient {
	return &sentinelClient{cc: cc}
}

func (c *sentinelClient) ExchangeMetrics(ctx context.Context, in *Metrics, opts ...grpc.CallOption) (*Metrics, error) {
	out := new(Metrics)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ExchangeMetrics", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *sentinelClient) ShouldThrottle(ctx context.Context, in *ShouldThrottleRequest, opts ...grpc.CallOption) (*ShouldThrottleResponse, error) {
	out := new(ShouldThrottleResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ShouldThrottle", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
