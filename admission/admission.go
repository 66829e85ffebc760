/*
Package admission is the per-request front door: it
translates a request's segment tag into an admission check against a
sentinel.Service and returns Allow or Deny, with no other responsibility.
It ships both an http.Handler middleware and a gRPC unary interceptor.
*/
package admission

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nenya-go/nenya/ratelimiter"
)

// Limiter is the subset of *sentinel.Service the front door depends on.
// Declared as an interface so tests can supply a fake without constructing
// a full Service.
type Limiter interface {
	AdmitNow(segment string) ratelimiter.Verdict
}

// SegmentFunc extracts the segment tag a request should be admitted
// against.
type SegmentFunc func(*http.Request) string

// Middleware returns an http.Handler that admits every request against
// limiter using the segment segmentFunc reports, responding 429 on Deny and
// otherwise delegating to next.
func Middleware(limiter Limiter, segmentFunc SegmentFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segment := segmentFunc(r)
		if limiter.AdmitNow(segment) == ratelimiter.Deny {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// segmentKey is the gRPC metadata key UnaryServerInterceptor reads the
// segment tag from.
const segmentKey = "x-nenya-segment"

// UnaryServerInterceptor returns a grpc.UnaryServerInterceptor that admits
// every call against limiter using the incoming segmentKey metadata value,
// defaulting to defaultSegment when absent.
func UnaryServerInterceptor(limiter Limiter, defaultSegment string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		segment := segmentFromContext(ctx, defaultSegment)
		if limiter.AdmitNow(segment) == ratelimiter.Deny {
			return nil, errRateLimited(segment)
		}
		return handler(ctx, req)
	}
}

func segmentFromContext(ctx context.Context, defaultSegment string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return defaultSegment
	}
	values := md.Get(segmentKey)
	if len(values) == 0 || values[0] == "" {
		return defaultSegment
	}
	return values[0]
}

func errRateLimited(segment string) error {
	return status.Errorf(codes.ResourceExhausted, "segment %q: rate limit exceeded", segment)
}
