package sentinel

import "github.com/nenya-go/nenya/ratelimiter"

// Metrics receives per-segment observations each time external rates are
// recomputed. Implementations should not block; package telemetry provides
// a Prometheus-backed implementation.
type Metrics interface {
	ObserveSegment(segment string, requestRate, acceptedRequestRate, targetRate float64)
}

type metrics struct {
	Metrics
}

func (m *metrics) observe(segment string, l *ratelimiter.Limiter) {
	m.ObserveSegment(segment, l.RequestRate(), l.AcceptedRequestRate(), l.TargetRate())
}
