/*
Package ratelimiter implements the per-segment admission engine: one PID
controller and one sliding-window rate estimator, combined into a single
Limiter that makes Allow/Deny decisions and periodically re-targets itself.

R is fixed to float64 internally; only the wire protocol (package
sentinelpb) narrows to float32.
*/
package ratelimiter

import (
	"sync"
	"time"

	"github.com/nenya-go/nenya/clock"
	"github.com/nenya-go/nenya/internal/slidingwindow"
	"github.com/nenya-go/nenya/internal/util"
	"github.com/nenya-go/nenya/pidctl"
)

const defaultWindow = time.Second

// Limiter combines one PID controller and one sliding-window estimator to
// decide admission for a single segment and drift its target rate toward
// the segment's configured setpoint.
//
// Limiter is concurrency safe: admission for a given Limiter is serialized
// by an internal mutex: admission for different segments proceeds in
// parallel, admission for the same segment is serialized.
type Limiter struct {
	mu sync.Mutex

	clock clock.Clock

	targetRate float64
	minRate    float64
	maxRate    float64

	updateInterval time.Duration
	lastTick       time.Time
	previousOutput float64

	pid       *pidctl.Controller
	estimator *slidingwindow.Estimator

	requestRate         float64
	acceptedRequestRate float64

	localRequestRate         float64
	localAcceptedRequestRate float64

	externalRequestRate         float64
	externalAcceptedRequestRate float64
}

// Builder builds a Limiter.
//
// Builder is not concurrency safe.
type Builder struct {
	targetRate     float64
	minRate        *float64
	maxRate        *float64
	updateInterval time.Duration
	window         time.Duration
	pid            *pidctl.Controller
	clock          clock.Clock
}

// NewBuilder returns a Builder for a Limiter with the given target rate.
// min_rate and max_rate both default to target_rate until overridden.
func NewBuilder(targetRate float64) *Builder {
	return &Builder{
		targetRate:     targetRate,
		updateInterval: time.Second,
		window:         defaultWindow,
	}
}

// MinRate sets the floor of the target-rate clamp.
func (b *Builder) MinRate(minRate float64) *Builder {
	b.minRate = &minRate
	return b
}

// MaxRate sets the ceiling of the target-rate clamp.
func (b *Builder) MaxRate(maxRate float64) *Builder {
	b.maxRate = &maxRate
	return b
}

// UpdateInterval sets the minimum spacing between PID ticks. Defaults to 1s.
func (b *Builder) UpdateInterval(d time.Duration) *Builder {
	b.updateInterval = d
	return b
}

// Window sets the sliding window used by the rate estimator. Defaults to 1s.
func (b *Builder) Window(d time.Duration) *Builder {
	b.window = d
	return b
}

// PIDController sets the controller driving the target rate. The Limiter
// rebinds it to its own target rate, so the same tuning template may be
// reused to build many segments' Limiters. Defaults to a static controller
// at the target rate.
func (b *Builder) PIDController(c *pidctl.Controller) *Builder {
	b.pid = c
	return b
}

// Clock overrides the time source, for tests.
func (b *Builder) Clock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// Build returns the configured Limiter.
func (b *Builder) Build() *Limiter {
	minRate := b.targetRate
	if b.minRate != nil {
		minRate = *b.minRate
	}
	maxRate := b.targetRate
	if b.maxRate != nil {
		maxRate = *b.maxRate
	}
	util.Assert(minRate <= b.targetRate && b.targetRate <= maxRate, "min_rate <= target_rate <= max_rate must hold")

	pid := b.pid
	if pid == nil {
		pid = pidctl.NewStatic(b.targetRate)
	} else {
		pid = pid.Rebind(b.targetRate)
	}

	c := b.clock
	if c == nil {
		c = clock.Real{}
	}

	return &Limiter{
		clock:          c,
		targetRate:     b.targetRate,
		minRate:        minRate,
		maxRate:        maxRate,
		updateInterval: b.updateInterval,
		lastTick:       c.Now(),
		pid:            pid,
		estimator:      slidingwindow.New(b.window),
	}
}

// Admit makes the admission decision for now: it trims and recomputes local
// rates, fuses them with the limiter's external rate inputs, ticks the PID
// controller at most once per update interval, and returns Allow or Deny.
// Admit always returns a verdict; it never fails.
func (l *Limiter) Admit(now time.Time) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	localOffered, localAccepted := l.estimator.Rates(now)
	l.localRequestRate = localOffered
	l.localAcceptedRequestRate = localAccepted
	l.requestRate = localOffered + l.externalRequestRate
	l.acceptedRequestRate = localAccepted + l.externalAcceptedRequestRate

	if now.Sub(l.lastTick) > l.updateInterval {
		l.lastTick = now
		output := l.pid.ComputeCorrection(l.requestRate)
		l.previousOutput = output
		l.targetRate = clamp(l.targetRate+output, l.minRate, l.maxRate)
	}

	verdict := Deny
	if l.acceptedRequestRate <= l.targetRate {
		verdict = Allow
	}

	l.estimator.RecordOffered(now)
	if verdict == Allow {
		l.estimator.RecordAccepted(now)
	}

	return verdict
}

// AdmitNow is a convenience that uses the limiter's clock for now.
func (l *Limiter) AdmitNow() Verdict {
	return l.Admit(l.clock.Now())
}

// TargetRate returns the limiter's current admission ceiling.
func (l *Limiter) TargetRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targetRate
}

// RequestRate returns the fused offered rate from the most recent Admit.
func (l *Limiter) RequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestRate
}

// AcceptedRequestRate returns the fused accepted rate from the most recent
// Admit.
func (l *Limiter) AcceptedRequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acceptedRequestRate
}

// LocalRequestRate returns the offered rate measured from this limiter's own
// estimator, as of the most recent Admit call, with no external addend
// folded in. Used by the sentinel's peer-exchange response so peers never
// double-count rates that are themselves already fused with external input.
func (l *Limiter) LocalRequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localRequestRate
}

// LocalAcceptedRequestRate returns the accepted rate measured from this
// limiter's own estimator, as of the most recent Admit call, with no
// external addend folded in.
func (l *Limiter) LocalAcceptedRequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localAcceptedRequestRate
}

// Setpoint returns the PID controller's reference value.
func (l *Limiter) Setpoint() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.Setpoint()
}

// ExternalRequestRate returns the most recently set external offered rate.
func (l *Limiter) ExternalRequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.externalRequestRate
}

// ExternalAcceptedRequestRate returns the most recently set external
// accepted rate.
func (l *Limiter) ExternalAcceptedRequestRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.externalAcceptedRequestRate
}

// SetExternalRequestRate sets the sum-over-peers offered rate used as an
// additive input to the next Admit call's fused request rate.
func (l *Limiter) SetExternalRequestRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.externalRequestRate = rate
}

// SetExternalAcceptedRequestRate sets the sum-over-peers accepted rate used
// as an additive input to the next Admit call's fused accepted rate.
func (l *Limiter) SetExternalAcceptedRequestRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.externalAcceptedRequestRate = rate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
