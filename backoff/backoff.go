// Package backoff provides pluggable strategies for pacing the queue's
// deferred-restart wake timer. A strategy only governs when the loop
// wakes up to try a retry again — it never changes a job's stored
// NextValidTime, which is always exactly now + RetryDelay.
//
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/xraph/pqueue/job"
)

// Strategy computes the wake delay for a job immediately after a failed
// attempt has been recorded against it. j.Data.FailedAttempts and
// j.RetryDelay drive the curve: the curve has no configuration of its
// own for the retry base, only for how it paces around the job's.
type Strategy interface {
	Delay(j *job.Job) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of the job's
// attempt count or RetryDelay. Useful for overriding RetryDelay-driven
// pacing entirely with a fixed wake cadence.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ *job.Job) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the wake delay by the job's own RetryDelay per failed
// attempt recorded so far, capped at Max.
type Linear struct {
	Max time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(maxDelay time.Duration) *Linear {
	return &Linear{Max: maxDelay}
}

// Delay returns j.RetryDelay * j.Data.FailedAttempts, capped at Max.
func (l *Linear) Delay(j *job.Job) time.Duration {
	return capAt(j.RetryDelay*time.Duration(j.Data.FailedAttempts), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the job's RetryDelay for every failed attempt
// recorded so far, capped at Max.
type Exponential struct {
	Max time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(maxDelay time.Duration) *Exponential {
	return &Exponential{Max: maxDelay}
}

// Delay returns j.RetryDelay * 2^(FailedAttempts-1), capped at Max.
func (e *Exponential) Delay(j *job.Job) time.Duration {
	d := time.Duration(float64(j.RetryDelay) * math.Pow(2, float64(j.Data.FailedAttempts-1)))
	return capAt(d, e.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter on top of Exponential's
// curve: the result is a uniformly random duration between zero and the
// uncapped exponential value, capped at Max. This spreads out restart
// timers that would otherwise all fire together after a correlated
// failure — every job of a name failing on the same downstream outage,
// for instance.
type ExponentialWithJitter struct {
	Max time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Max: maxDelay}
}

// Delay returns a random duration in [0, min(RetryDelay*2^(FailedAttempts-1), Max)].
func (e *ExponentialWithJitter) Delay(j *job.Job) time.Duration {
	ceiling := capAt(time.Duration(float64(j.RetryDelay)*math.Pow(2, float64(j.Data.FailedAttempts-1))), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Floor
// ──────────────────────────────────────────────────

// Floor wraps another Strategy and guarantees its Delay never wakes the
// loop before the job's own NextValidTime (always exactly now +
// RetryDelay) would make it eligible again. scheduleRestart always
// floors the configured strategy this way, so a more aggressive wrapped
// curve can never race the row's own eligibility.
type Floor struct {
	Strategy Strategy
}

// NewFloor wraps s so its Delay is never shorter than j.RetryDelay.
func NewFloor(s Strategy) *Floor {
	return &Floor{Strategy: s}
}

// Delay returns the wrapped strategy's delay, raised to j.RetryDelay if
// shorter.
func (f *Floor) Delay(j *job.Job) time.Duration {
	d := f.Strategy.Delay(j)
	if d < j.RetryDelay {
		return j.RetryDelay
	}
	return d
}

func capAt(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns ExponentialWithJitter capped at 1m, growing
// from each job's own RetryDelay. The queue uses it only when it is
// passed to pqueue.WithRestartBackoff; without that option the restart
// timer waits exactly RetryDelay.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1 * time.Minute)
}
