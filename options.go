package pqueue

import (
	"log/slog"
	"time"

	"github.com/xraph/pqueue/backoff"
	"github.com/xraph/pqueue/id"
	"github.com/xraph/pqueue/job"
)

// Option configures a Queue at construction time.
type Option func(*Queue) error

// WithStore sets the persistence adapter. Required: New returns
// ErrNoStore if no store is configured.
func WithStore(s job.Store) Option {
	return func(q *Queue) error {
		q.store = s
		return nil
	}
}

// WithRegistry sets the worker registry. Defaults to a fresh, empty
// *job.Registry. Pass a shared registry when multiple Queue instances in
// the same process must see the same worker set.
func WithRegistry(r *job.Registry) Option {
	return func(q *Queue) error {
		q.registry = r
		return nil
	}
}

// WithLogger sets the structured logger used for lifecycle-hook failures,
// store failures, and loop diagnostics. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) error {
		q.logger = l
		return nil
	}
}

// WithClock overrides the queue's notion of "now". Defaults to
// time.Now. Intended for deterministic tests of lifespan and retry-delay
// behavior.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) error {
		q.clock = now
		return nil
	}
}

// WithIDGenerator overrides the default job id generator (package id's
// typeid-based generator). Id supply is ultimately a pluggable concern;
// this option exists so a host can plug in its own (e.g. a UUID
// generator) without every CreateJob call needing job.WithID.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) error {
		q.idGen = gen
		return nil
	}
}

// WithRestartBackoff sets the strategy that paces the deferred restart
// scheduled after a failed attempt with RetryDelay > 0. It governs only
// when the loop wakes up to try again; the stored NextValidTime is
// always exactly
// now + RetryDelay regardless of this setting. Defaults to
// backoff.NewConstant(job.RetryDelay) recomputed per job, i.e. the
// restart timer fires after exactly RetryDelay.
func WithRestartBackoff(s backoff.Strategy) Option {
	return func(q *Queue) error {
		q.restartBackoff = s
		return nil
	}
}

func defaultIDGen() string { return id.New() }
