package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nenya-go/nenya/ratelimiter"
)

type fakeLimiter struct {
	verdict ratelimiter.Verdict
	calls   []string
}

func (f *fakeLimiter) AdmitNow(segment string) ratelimiter.Verdict {
	f.calls = append(f.calls, segment)
	return f.verdict
}

func TestMiddlewareAllowsThrough(t *testing.T) {
	limiter := &fakeLimiter{verdict: ratelimiter.Allow}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(limiter, func(r *http.Request) string { return "checkout" }, next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"checkout"}, limiter.calls)
}

func TestMiddlewareDeniesWithTooManyRequests(t *testing.T) {
	limiter := &fakeLimiter{verdict: ratelimiter.Deny}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run on Deny")
	})
	h := Middleware(limiter, func(r *http.Request) string { return "checkout" }, next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestUnaryServerInterceptorUsesMetadataSegment(t *testing.T) {
	limiter := &fakeLimiter{verdict: ratelimiter.Allow}
	interceptor := UnaryServerInterceptor(limiter, "default")

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(segmentKey, "search"))
	_, err := interceptor(ctx, nil, nil, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, limiter.calls)
}

func TestUnaryServerInterceptorFallsBackToDefaultSegment(t *testing.T) {
	limiter := &fakeLimiter{verdict: ratelimiter.Allow}
	interceptor := UnaryServerInterceptor(limiter, "default")

	_, err := interceptor(context.Background(), nil, nil, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, limiter.calls)
}

func TestUnaryServerInterceptorDeniesWithResourceExhausted(t *testing.T) {
	limiter := &fakeLimiter{verdict: ratelimiter.Deny}
	interceptor := UnaryServerInterceptor(limiter, "default")

	_, err := interceptor(context.Background(), nil, nil, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not run on Deny")
		return nil, nil
	})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
}
