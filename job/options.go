package job

import (
	"errors"
	"time"
)

// ErrInvalidArgument is returned by CreateOptions.Validate and by
// pqueue.Queue.CreateJob for rejected job-creation options.
var ErrInvalidArgument = errors.New("pqueue: invalid argument")

// CreateOptions configures a single call to Queue.CreateJob.
type CreateOptions struct {
	// ID overrides the generated job id. ID generation is a pluggable
	// collaborator's responsibility; leaving this empty falls back to
	// the queue's configured id generator.
	ID string

	// Priority determines claim ordering. Higher values are claimed
	// first.
	Priority int

	// Timeout is the per-attempt execution deadline. Zero means no
	// timeout. Lifespan-mode runs require Timeout > 0 to be eligible.
	Timeout time.Duration

	// Attempts is the total number of attempts (including the first)
	// before the job is marked terminally failed.
	Attempts int

	// RetryDelay is added to NextValidTime after each failed attempt.
	RetryDelay time.Duration
}

// DefaultCreateOptions returns the options a zero-value CreateOptions
// should be filled in with.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Priority:   0,
		Timeout:    25 * time.Second,
		Attempts:   1,
		RetryDelay: 0,
	}
}

// Validate checks the option values CreateJob is required to reject.
func (o CreateOptions) Validate() error {
	if o.Timeout < 0 {
		return errors.Join(ErrInvalidArgument, errors.New("timeout must be >= 0"))
	}
	if o.Attempts < 0 {
		return errors.Join(ErrInvalidArgument, errors.New("attempts must be >= 0"))
	}
	return nil
}

// Option is a functional option mutating CreateOptions away from its
// defaults before a call to Queue.CreateJob.
type Option func(*CreateOptions)

// WithID overrides the generated job id.
func WithID(id string) Option {
	return func(o *CreateOptions) { o.ID = id }
}

// WithPriority sets claim priority. Higher values are claimed first.
func WithPriority(p int) Option {
	return func(o *CreateOptions) { o.Priority = p }
}

// WithTimeout sets the per-attempt execution deadline. Zero disables the
// timeout explicitly — it is not replaced by the default.
func WithTimeout(d time.Duration) Option {
	return func(o *CreateOptions) { o.Timeout = d }
}

// WithAttempts sets the total number of attempts before terminal failure.
func WithAttempts(n int) Option {
	return func(o *CreateOptions) { o.Attempts = n }
}

// WithRetryDelay sets the delay added to NextValidTime after each failed
// attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(o *CreateOptions) { o.RetryDelay = d }
}
