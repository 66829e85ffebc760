package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenya-go/nenya/clock"
	"github.com/nenya-go/nenya/sentinelpb"
)

func newTestService(hostname string, mc *clock.Manual, target float64) *Service {
	return New(hostname, nil, SegmentConfig{TargetRate: target}, nil, WithClock(mc))
}

// TestExchangeMetricsFusesPeerRates exercises peer fusion: two nodes each
// admit four requests at the same instant on the same segment and report to
// each other; after the exchange, each node's external rate for that segment
// equals the other's reported local rate, so the fused rate used for
// admission exceeds the purely local one.
func TestExchangeMetricsFusesPeerRates(t *testing.T) {
	mc := clock.NewManual(time.Now())
	a := newTestService("node-a", mc, 100)
	b := newTestService("node-b", mc, 100)

	for i := 0; i < 4; i++ {
		a.AdmitNow("checkout")
		b.AdmitNow("checkout")
	}

	snapshotA := a.LocalSnapshot()
	snapshotB := b.LocalSnapshot()
	require.Contains(t, snapshotA.Segments, "checkout")
	require.Contains(t, snapshotB.Segments, "checkout")

	_, err := a.ExchangeMetrics(context.Background(), snapshotB)
	require.NoError(t, err)
	_, err = b.ExchangeMetrics(context.Background(), snapshotA)
	require.NoError(t, err)

	lA := a.limiterFor("checkout")
	lB := b.limiterFor("checkout")

	assert.InDelta(t, float64(snapshotB.Segments["checkout"].RequestRate), lA.ExternalRequestRate(), 0.001)
	assert.InDelta(t, float64(snapshotA.Segments["checkout"].RequestRate), lB.ExternalRequestRate(), 0.001)

	// The fused rate folds the external addend in on the next admission.
	a.AdmitNow("checkout")
	assert.Greater(t, lA.RequestRate(), lA.LocalRequestRate())
}

// TestExchangeMetricsIgnoresUnknownSegment: a peer
// reports rates for a segment this node has never admitted against. The
// report is stored but contributes nothing until (unless) this node creates
// that segment itself; no panic, no spurious segment creation.
func TestExchangeMetricsIgnoresUnknownSegment(t *testing.T) {
	mc := clock.NewManual(time.Now())
	a := newTestService("node-a", mc, 100)

	peer := &sentinelpb.Metrics{
		Source: "node-b",
		Segments: map[string]*sentinelpb.MetricData{
			"never-seen-here": {RequestRate: 9, AcceptedRequestRate: 9},
		},
	}
	_, err := a.ExchangeMetrics(context.Background(), peer)
	require.NoError(t, err)

	a.segmentsMu.RLock()
	_, created := a.segments["never-seen-here"]
	a.segmentsMu.RUnlock()
	assert.False(t, created)

	// Once the node does admit against that segment, the already-stored peer
	// snapshot is folded in on the very next exchange/recompute.
	a.AdmitNow("never-seen-here")
	a.recomputeExternalRates()
	l := a.limiterFor("never-seen-here")
	assert.Equal(t, float64(9), l.ExternalRequestRate())
}

// TestExchangeMetricsSelfSourceIsIgnored: a peer report
// whose Source equals this node's own hostname (a misconfigured self-peering
// loop) must never be stored, so a segment's external rate can never include
// its own local contribution.
func TestExchangeMetricsSelfSourceIsIgnored(t *testing.T) {
	mc := clock.NewManual(time.Now())
	a := newTestService("node-a", mc, 100)
	a.AdmitNow("checkout")

	loop := &sentinelpb.Metrics{
		Source: "node-a",
		Segments: map[string]*sentinelpb.MetricData{
			"checkout": {RequestRate: 50, AcceptedRequestRate: 50},
		},
	}
	_, err := a.ExchangeMetrics(context.Background(), loop)
	require.NoError(t, err)

	a.peersMu.RLock()
	_, stored := a.peers["node-a"]
	a.peersMu.RUnlock()
	assert.False(t, stored)

	l := a.limiterFor("checkout")
	assert.Equal(t, float64(0), l.ExternalRequestRate())
}

// TestExchangeMetricsIdempotent: repeating the exact
// same exchange twice produces the same external rates both times, since
// each exchange replaces the peer's whole snapshot rather than accumulating.
func TestExchangeMetricsIdempotent(t *testing.T) {
	mc := clock.NewManual(time.Now())
	a := newTestService("node-a", mc, 100)
	a.AdmitNow("checkout")

	peer := &sentinelpb.Metrics{
		Source: "node-b",
		Segments: map[string]*sentinelpb.MetricData{
			"checkout": {RequestRate: 5, AcceptedRequestRate: 5},
		},
	}

	_, err := a.ExchangeMetrics(context.Background(), peer)
	require.NoError(t, err)
	first := a.limiterFor("checkout").ExternalRequestRate()

	_, err = a.ExchangeMetrics(context.Background(), peer)
	require.NoError(t, err)
	second := a.limiterFor("checkout").ExternalRequestRate()

	assert.Equal(t, first, second)
}

// TestExchangeMetricsReplacesWholeSnapshot: a peer's
// second report, even if it mentions fewer segments than its first, fully
// replaces the stored snapshot rather than merging with it.
func TestExchangeMetricsReplacesWholeSnapshot(t *testing.T) {
	mc := clock.NewManual(time.Now())
	a := newTestService("node-a", mc, 100)
	a.AdmitNow("checkout")
	a.AdmitNow("search")

	first := &sentinelpb.Metrics{
		Source: "node-b",
		Segments: map[string]*sentinelpb.MetricData{
			"checkout": {RequestRate: 5, AcceptedRequestRate: 5},
			"search":   {RequestRate: 3, AcceptedRequestRate: 3},
		},
	}
	_, err := a.ExchangeMetrics(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, float64(3), a.limiterFor("search").ExternalRequestRate())

	second := &sentinelpb.Metrics{
		Source: "node-b",
		Segments: map[string]*sentinelpb.MetricData{
			"checkout": {RequestRate: 5, AcceptedRequestRate: 5},
		},
	}
	_, err = a.ExchangeMetrics(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, float64(0), a.limiterFor("search").ExternalRequestRate())
}

func TestAdmitCreatesSegmentLazilyFromDefault(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s := New("node-a", nil, SegmentConfig{TargetRate: 42}, nil, WithClock(mc))
	s.AdmitNow("anything")
	assert.Equal(t, float64(42), s.limiterFor("anything").TargetRate())
}

func TestAdmitUsesConfiguredSegmentOverDefault(t *testing.T) {
	mc := clock.NewManual(time.Now())
	configs := map[string]SegmentConfig{"checkout": {TargetRate: 9}}
	s := New("node-a", configs, SegmentConfig{TargetRate: 1}, nil, WithClock(mc))
	s.AdmitNow("checkout")
	assert.Equal(t, float64(9), s.limiterFor("checkout").TargetRate())
}

func TestShouldThrottleUnknownSegmentReportsFalse(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s := newTestService("node-a", mc, 10)
	resp, err := s.ShouldThrottle(context.Background(), &sentinelpb.ShouldThrottleRequest{Segment: "never-admitted"})
	require.NoError(t, err)
	assert.False(t, resp.ShouldThrottle)

	// The query must not have fabricated a limiter.
	s.segmentsMu.RLock()
	_, created := s.segments["never-admitted"]
	s.segmentsMu.RUnlock()
	assert.False(t, created)
}

// TestShouldThrottleInvertedPolarity checks the legacy verb's meaning: true
// means reject. A quiet segment reports false; a burst of remote queries
// consumes the segment's budget like local admissions and must eventually
// start reporting true.
func TestShouldThrottleInvertedPolarity(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s := newTestService("node-a", mc, 100)
	s.AdmitNow("checkout")

	resp, err := s.ShouldThrottle(context.Background(), &sentinelpb.ShouldThrottleRequest{Segment: "checkout"})
	require.NoError(t, err)
	assert.False(t, resp.ShouldThrottle)

	throttled := false
	for i := 0; i < 50; i++ {
		mc.Advance(time.Millisecond)
		resp, err = s.ShouldThrottle(context.Background(), &sentinelpb.ShouldThrottleRequest{Segment: "checkout"})
		require.NoError(t, err)
		throttled = throttled || resp.ShouldThrottle
	}
	assert.True(t, throttled)
}

func TestWithPeersSeedsEmptySnapshotsExcludingSelf(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s := New("node-a", nil, SegmentConfig{TargetRate: 10}, nil, WithClock(mc), WithPeers("node-b", "node-c", "node-a", ""))

	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	assert.Len(t, s.peers, 2)
	assert.Contains(t, s.peers, "node-b")
	assert.Contains(t, s.peers, "node-c")
	assert.NotContains(t, s.peers, "node-a")
}
