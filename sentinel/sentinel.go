/*
Package sentinel wires the per-segment rate limiters (package ratelimiter)
into a single node that lazily creates segments, serves the peer-exchange
RPC (package sentinelpb), and folds remote peers' reported rates into each
segment's external rate inputs.
*/
package sentinel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nenya-go/nenya/clock"
	"github.com/nenya-go/nenya/pidctl"
	"github.com/nenya-go/nenya/ratelimiter"
	"github.com/nenya-go/nenya/sentinelpb"
)

// SegmentConfig is the target rate and optional bounds a segment is created
// with the first time it is admitted against. MinRate and MaxRate default to
// TargetRate when nil.
type SegmentConfig struct {
	TargetRate float64
	MinRate    *float64
	MaxRate    *float64
}

// SegmentRates is one peer's locally-measured rates for one segment, as
// reported by ExchangeMetrics.
type SegmentRates struct {
	RequestRate         float64
	AcceptedRequestRate float64
}

// PeerMetrics is a single peer's snapshot: its most recently reported rates
// for every segment it knows about.
type PeerMetrics map[string]SegmentRates

// Service is one node in the Sentinel mesh: a segment registry plus the
// peer-exchange bookkeeping needed to fuse remote rates into local
// admission decisions.
type Service struct {
	hostname string

	clock  clock.Clock
	logger *slog.Logger
	m      *metrics

	updateInterval time.Duration
	window         time.Duration
	pidTemplate    *pidctl.Controller

	defaultSegmentConfig SegmentConfig

	segmentsMu sync.RWMutex
	configs    map[string]SegmentConfig
	segments   map[string]*ratelimiter.Limiter

	peersMu sync.RWMutex
	peers   map[string]PeerMetrics
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithUpdateInterval overrides the default 1s PID tick spacing applied to
// every segment created by this Service.
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Service) { s.updateInterval = d }
}

// WithWindow overrides the default 1s sliding estimation window applied to
// every segment created by this Service.
func WithWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// WithClock overrides the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger attaches a structured logger. Debug-level logging reports
// segment creation and peer-exchange upserts.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation. See package telemetry.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.m = &metrics{Metrics: m} }
}

// WithPeers pre-populates the peer table with an empty snapshot per peer id,
// so telemetry and tests can distinguish a configured-but-silent peer from an
// unknown one. An id equal to the Service's own hostname is dropped; the peer
// table never contains an entry for the local node.
func WithPeers(peers ...string) Option {
	return func(s *Service) {
		for _, peer := range peers {
			if peer == "" || peer == s.hostname {
				continue
			}
			s.peers[peer] = PeerMetrics{}
		}
	}
}

// New returns a Service identified by hostname (used as this node's source
// id in peer exchanges), pre-populated with the given per-segment configs.
// pidTemplate, if non-nil, is cloned for every segment created afterward
// (including those created lazily on first admission); otherwise each
// segment gets a static controller pinned at its own target rate.
func New(hostname string, configs map[string]SegmentConfig, defaultSegmentConfig SegmentConfig, pidTemplate *pidctl.Controller, opts ...Option) *Service {
	s := &Service{
		hostname:             hostname,
		clock:                clock.Real{},
		updateInterval:       time.Second,
		window:               time.Second,
		pidTemplate:          pidTemplate,
		defaultSegmentConfig: defaultSegmentConfig,
		configs:              make(map[string]SegmentConfig, len(configs)),
		segments:             make(map[string]*ratelimiter.Limiter, len(configs)),
		peers:                make(map[string]PeerMetrics),
	}
	for name, cfg := range configs {
		s.configs[name] = cfg
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit returns the admission verdict for segment at time now, creating the
// segment (from its configured SegmentConfig, or the Service's default) on
// first use.
func (s *Service) Admit(segment string, now time.Time) ratelimiter.Verdict {
	return s.limiterFor(segment).Admit(now)
}

// AdmitNow is a convenience that uses the Service's clock for now.
func (s *Service) AdmitNow(segment string) ratelimiter.Verdict {
	return s.Admit(segment, s.clock.Now())
}

func (s *Service) limiterFor(segment string) *ratelimiter.Limiter {
	s.segmentsMu.RLock()
	l, ok := s.segments[segment]
	s.segmentsMu.RUnlock()
	if ok {
		return l
	}

	s.segmentsMu.Lock()
	defer s.segmentsMu.Unlock()
	if l, ok := s.segments[segment]; ok {
		return l
	}

	cfg, ok := s.configs[segment]
	if !ok {
		cfg = s.defaultSegmentConfig
	}
	b := ratelimiter.NewBuilder(cfg.TargetRate).
		UpdateInterval(s.updateInterval).
		Window(s.window).
		Clock(s.clock)
	if cfg.MinRate != nil {
		b = b.MinRate(*cfg.MinRate)
	}
	if cfg.MaxRate != nil {
		b = b.MaxRate(*cfg.MaxRate)
	}
	if s.pidTemplate != nil {
		b = b.PIDController(s.pidTemplate)
	}
	l = b.Build()

	if s.logger != nil {
		s.logger.Debug("created segment limiter", "segment", segment, "target_rate", cfg.TargetRate)
	}
	s.segments[segment] = l
	return l
}

// ExchangeMetrics implements sentinelpb.SentinelServer: it upserts the
// caller's reported snapshot wholesale, recomputes every locally-known
// segment's external rates as the sum over all other known peers, and
// responds with this node's own local (not fused) rates.
//
// A peer reporting under this Service's own hostname is dropped rather than
// stored, so that a misconfigured self-peering loop cannot make a segment's
// external rate include its own local rate twice.
func (s *Service) ExchangeMetrics(ctx context.Context, in *sentinelpb.Metrics) (*sentinelpb.Metrics, error) {
	if in.Source != "" && in.Source != s.hostname {
		snapshot := make(PeerMetrics, len(in.Segments))
		for name, data := range in.Segments {
			if data == nil {
				continue
			}
			snapshot[name] = SegmentRates{
				RequestRate:         float64(data.RequestRate),
				AcceptedRequestRate: float64(data.AcceptedRequestRate),
			}
		}
		s.peersMu.Lock()
		s.peers[in.Source] = snapshot
		s.peersMu.Unlock()

		if s.logger != nil {
			s.logger.Debug("upserted peer snapshot", "peer", in.Source, "segments", len(snapshot))
		}
	}

	s.recomputeExternalRates()

	return s.LocalSnapshot(), nil
}

// recomputeExternalRates sums every peer's reported rate for each
// locally-known segment (a peer that has never mentioned a segment
// contributes zero for it) and pushes the sums into that segment's
// Limiter as its external rate inputs.
func (s *Service) recomputeExternalRates() {
	s.peersMu.RLock()
	peers := make([]PeerMetrics, 0, len(s.peers))
	for _, snapshot := range s.peers {
		peers = append(peers, snapshot)
	}
	s.peersMu.RUnlock()

	s.segmentsMu.RLock()
	segments := make(map[string]*ratelimiter.Limiter, len(s.segments))
	for name, l := range s.segments {
		segments[name] = l
	}
	s.segmentsMu.RUnlock()

	for name, l := range segments {
		var offered, accepted float64
		for _, snapshot := range peers {
			rates, ok := snapshot[name]
			if !ok {
				continue
			}
			offered += rates.RequestRate
			accepted += rates.AcceptedRequestRate
		}
		l.SetExternalRequestRate(offered)
		l.SetExternalAcceptedRequestRate(accepted)
		if s.m != nil {
			s.m.observe(name, l)
		}
	}
}

// LocalSnapshot builds this node's outgoing Metrics message from each known
// segment's local-only rates. Exchange responses and pushes never include
// another peer's contribution; folding external addends back in would let a
// pair of nodes double-count each other's admissions.
func (s *Service) LocalSnapshot() *sentinelpb.Metrics {
	s.segmentsMu.RLock()
	defer s.segmentsMu.RUnlock()

	out := &sentinelpb.Metrics{
		Source:   s.hostname,
		Segments: make(map[string]*sentinelpb.MetricData, len(s.segments)),
	}
	for name, l := range s.segments {
		out.Segments[name] = &sentinelpb.MetricData{
			RequestRate:         float32(l.LocalRequestRate()),
			AcceptedRequestRate: float32(l.LocalAcceptedRequestRate()),
		}
	}
	return out
}

// ShouldThrottle implements sentinelpb.SentinelServer's remote admission
// query. It runs a full admission decision on the named segment, so a remote
// caller consumes that segment's budget exactly as a local one would. The
// response keeps the verb's historical inverted polarity: true means reject.
// A segment this node does not host reports false without fabricating a
// limiter, so remote probes cannot grow the segment table.
func (s *Service) ShouldThrottle(ctx context.Context, in *sentinelpb.ShouldThrottleRequest) (*sentinelpb.ShouldThrottleResponse, error) {
	s.segmentsMu.RLock()
	l, ok := s.segments[in.Segment]
	s.segmentsMu.RUnlock()
	if !ok {
		return &sentinelpb.ShouldThrottleResponse{ShouldThrottle: false}, nil
	}
	verdict := l.Admit(s.clock.Now())
	return &sentinelpb.ShouldThrottleResponse{
		ShouldThrottle: verdict == ratelimiter.Deny,
	}, nil
}

var _ sentinelpb.SentinelServer = (*Service)(nil)
