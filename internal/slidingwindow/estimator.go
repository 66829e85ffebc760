/*
Package slidingwindow implements the sliding-window offered/accepted rate
estimator described for nenya's per-segment rate limiter: two monotonic-time
queues trimmed to a configurable window, reporting instantaneous per-second
rates.
*/
package slidingwindow

import "time"

// MinDuration is the floor applied to the window span when computing a rate,
// preventing divide-by-near-zero spikes when the first few events land
// within a few milliseconds of each other.
const MinDuration = 100 * time.Millisecond

// Estimator maintains offered and accepted event timestamps over a trailing
// window and derives their instantaneous rates.
//
// Estimator is not concurrency safe; the owning ratelimiter.Limiter's mutex
// covers it.
type Estimator struct {
	window   time.Duration
	offered  timeQueue
	accepted timeQueue
}

// New returns an empty Estimator over the given window.
func New(window time.Duration) *Estimator {
	return &Estimator{window: window}
}

// RecordOffered appends now to the offered queue.
func (e *Estimator) RecordOffered(now time.Time) {
	e.offered.push(now)
}

// RecordAccepted appends now to the accepted queue. Every accepted timestamp
// must also have been recorded as offered at the same now, so the accepted
// queue remains a subsequence of the offered queue by timestamp.
func (e *Estimator) RecordAccepted(now time.Time) {
	e.accepted.push(now)
}

// Trim drops every entry in both queues at or before now minus the window.
func (e *Estimator) Trim(now time.Time) {
	cutoff := now.Add(-e.window)
	e.offered.trimBefore(cutoff)
	e.accepted.trimBefore(cutoff)
}

// Rates trims both queues to now and returns the offered and accepted rates,
// in events per second. An empty queue reports a rate of 0.
func (e *Estimator) Rates(now time.Time) (offeredRate, acceptedRate float64) {
	e.Trim(now)
	return rateOf(&e.offered, now), rateOf(&e.accepted, now)
}

func rateOf(q *timeQueue, now time.Time) float64 {
	oldest, ok := q.front()
	if !ok {
		return 0
	}
	duration := now.Sub(oldest).Seconds()
	if duration < MinDuration.Seconds() {
		duration = MinDuration.Seconds()
	}
	return float64(q.len()) / duration
}

// OfferedLen returns the number of live offered timestamps, for telemetry
// and tests.
func (e *Estimator) OfferedLen() int { return e.offered.len() }

// AcceptedLen returns the number of live accepted timestamps, for telemetry
// and tests.
func (e *Estimator) AcceptedLen() int { return e.accepted.len() }
