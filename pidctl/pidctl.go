/*
Package pidctl implements a scalar PID controller with an asymmetric error
bias, an optional integral-windup clamp, and an optional output clamp with
anti-windup back-calculation.

Given a stream of measured signals, Controller.ComputeCorrection produces a
bounded correction that drives the signal toward a configured setpoint. A
Controller with zero gains and an error bias of 1 is static: it always
returns a correction of 0, which is useful as a default when no tuning is
configured.
*/
package pidctl

import (
	"math"

	"github.com/nenya-go/nenya/internal/util"
)

// Controller is a PID controller over float64 signals. The zero value is not
// usable; construct one with Builder or NewStatic.
//
// Controller is not concurrency safe; callers that share a Controller across
// goroutines must guard it externally.
type Controller struct {
	setpoint   float64
	kp         float64
	ki         float64
	kd         float64
	errorBias  float64
	errorLimit *float64
	outputLim  *float64

	accumulatedError float64
	previousError    float64
}

// NewStatic returns a Controller with zero gains and an error bias of 1.
// ComputeCorrection always returns 0 for every input, so a rate limiter built
// on a static Controller holds its target rate at its initial value
// indefinitely. This is the default when configuration omits tuning.
func NewStatic(setpoint float64) *Controller {
	return &Controller{
		setpoint:  setpoint,
		errorBias: 1,
	}
}

// Builder builds a Controller.
//
// Builder is not concurrency safe.
type Builder struct {
	c Controller
}

// NewBuilder returns a Builder for a Controller with the given setpoint and
// zero gains, an error bias of 1, and no limits.
func NewBuilder(setpoint float64) *Builder {
	return &Builder{c: Controller{setpoint: setpoint, errorBias: 1}}
}

// Kp sets the proportional gain.
func (b *Builder) Kp(kp float64) *Builder {
	b.c.kp = kp
	return b
}

// Ki sets the integral gain.
func (b *Builder) Ki(ki float64) *Builder {
	b.c.ki = ki
	return b
}

// Kd sets the derivative gain.
func (b *Builder) Kd(kd float64) *Builder {
	b.c.kd = kd
	return b
}

// ErrorBias sets the asymmetric error bias. Must be non-negative. Positive
// errors (signal below setpoint) are integrated with weight 1+bias, negative
// errors with weight 1-bias. A bias of 0 recovers a symmetric integrator; a
// bias of 1 doubles the weight of positive errors and gives negative errors
// no weight at all.
func (b *Builder) ErrorBias(bias float64) *Builder {
	util.Assert(bias >= 0, "error bias must be >= 0")
	b.c.errorBias = bias
	return b
}

// ErrorLimit clamps the accumulated (integral) error to [-|limit|, +|limit|].
func (b *Builder) ErrorLimit(limit float64) *Builder {
	util.Assert(limit >= 0, "error limit must be >= 0")
	b.c.errorLimit = &limit
	return b
}

// OutputLimit clamps the returned correction to [-|limit|, +|limit|], feeding
// the clamped overshoot back into the integrator (anti-windup).
func (b *Builder) OutputLimit(limit float64) *Builder {
	util.Assert(limit >= 0, "output limit must be >= 0")
	b.c.outputLim = &limit
	return b
}

// Build returns the configured Controller.
func (b *Builder) Build() *Controller {
	c := b.c
	return &c
}

// Clone returns an independent copy of the controller, including its
// accumulated and previous error. Used to give each segment its own
// controller derived from a single shared template.
func (c *Controller) Clone() *Controller {
	clone := *c
	return &clone
}

// Rebind returns a copy of the controller retuned to a different setpoint,
// preserving its gains, bias, and limits but resetting accumulated and
// previous error to zero. Used to derive one per-segment controller, each
// targeting that segment's own target rate, from a single shared tuning
// template.
func (c *Controller) Rebind(setpoint float64) *Controller {
	clone := c.Clone()
	clone.setpoint = setpoint
	clone.accumulatedError = 0
	clone.previousError = 0
	return clone
}

// Setpoint returns the controller's reference value.
func (c *Controller) Setpoint() float64 {
	return c.setpoint
}

// AccumulatedError returns the controller's current integral term.
func (c *Controller) AccumulatedError() float64 {
	return c.accumulatedError
}

// ComputeCorrection updates the controller's internal state from signal and
// returns the resulting correction. ComputeCorrection is pure aside from
// that state mutation: it never fails. A non-finite signal (NaN or ±Inf) is
// ignored: it leaves the controller's state unchanged and yields a
// correction of 0.
func (c *Controller) ComputeCorrection(signal float64) float64 {
	if math.IsNaN(signal) || math.IsInf(signal, 0) {
		return 0
	}

	error := c.setpoint - signal
	p := c.kp * error

	// Biased integral: penalize overshoot and undershoot asymmetrically.
	var biasedError float64
	if error > 0 {
		biasedError = error * (1 + c.errorBias)
	} else {
		biasedError = error * (1 - c.errorBias)
	}
	c.accumulatedError += biasedError

	if c.errorLimit != nil {
		limit := abs(*c.errorLimit)
		c.accumulatedError = clamp(c.accumulatedError, -limit, limit)
	}

	i := c.ki * c.accumulatedError
	d := c.kd * (error - c.previousError)

	correction := p + i + d

	clamped := correction
	if c.outputLim != nil {
		limit := abs(*c.outputLim)
		clamped = clamp(correction, -limit, limit)
	}

	// Anti-windup back-calculation: if the output was clamped, pull the
	// overshoot back out of the integrator. Skipped when ki is 0 since
	// there's nothing to divide by (and no integral to unwind).
	if clamped != correction && c.ki != 0 {
		feedback := correction - clamped
		c.accumulatedError -= feedback / c.ki
	}

	c.previousError = error

	return clamped
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

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
