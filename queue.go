package pqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/pqueue/backoff"
	"github.com/xraph/pqueue/job"
)

// Unbounded, passed as maxJobs to Start, means "process until the store
// is empty or the lifespan expires". maxJobs==0 is not the same as
// Unbounded: passed literally, it makes the first claim's jobs_limit 0,
// which claims nothing and ends the loop immediately.
const Unbounded = -1

// lifespanBuffer is the hard safety buffer a lifespan-mode run reserves
// ahead of a job's timeout, to cover claim-transaction and
// commit-on-failure latency before the host's own kill deadline.
const lifespanBuffer = 499 * time.Millisecond

// Queue is the scheduler-plus-persistence engine: job creation,
// eligibility selection, the claim transaction, the processing loop, the
// per-job timeout race, and retry/failure bookkeeping.
//
// A Queue is safe for concurrent use. Only one processing loop runs at a
// time per Queue instance; a second Start call while one is active is a
// no-op.
type Queue struct {
	store    job.Store
	registry *job.Registry
	logger   *slog.Logger

	clock func() time.Time
	idGen func() string

	restartBackoff backoff.Strategy

	mu            sync.Mutex
	active        bool
	closed        bool
	startTime     time.Time
	lifespan      time.Duration
	jobsProcessed int
}

// New creates a Queue. WithStore is required; New returns ErrNoStore
// otherwise.
func New(opts ...Option) (*Queue, error) {
	q := &Queue{
		registry: job.NewRegistry(),
		logger:   slog.Default(),
		clock:    time.Now,
		idGen:    defaultIDGen,
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	if q.store == nil {
		return nil, ErrNoStore
	}
	return q, nil
}

// Registry returns the queue's worker registry.
func (q *Queue) Registry() *job.Registry { return q.registry }

// AddWorker registers a handler for name.
func (q *Queue) AddWorker(name string, handler job.HandlerFunc, opts ...job.RegisterOption) error {
	return job.Register(q.registry, name, handler, opts...)
}

// RemoveWorker unregisters name. Jobs of that name subsequently fail
// with job.ErrNoWorker.
func (q *Queue) RemoveWorker(name string) {
	q.registry.Unregister(name)
}

// ──────────────────────────────────────────────────
// Job creation
// ──────────────────────────────────────────────────

// CreateJob validates opts, persists a new job row, and — if startQueue
// is true and the queue is not already processing — launches Start in
// the background without waiting for it.
func (q *Queue) CreateJob(ctx context.Context, name string, payload any, startQueue bool, opts ...job.Option) (*job.Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: job name must not be empty", job.ErrInvalidArgument)
	}

	o := job.DefaultCreateOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("pqueue: encode payload for job %q: %w", name, err)
	}

	jobID := o.ID
	if jobID == "" {
		jobID = q.idGen()
	}

	now := q.clock()
	j := &job.Job{
		ID:            jobID,
		Name:          name,
		Payload:       raw,
		Data:          job.Data{Attempts: o.Attempts},
		Priority:      o.Priority,
		Active:        false,
		Timeout:       o.Timeout,
		Created:       now,
		Failed:        nil,
		NextValidTime: now,
		RetryDelay:    o.RetryDelay,
	}

	if err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		return tx.Insert(ctx, j)
	}); err != nil {
		return nil, &StoreFailure{Op: "create_job", Err: err}
	}

	if startQueue {
		q.mu.Lock()
		alreadyActive := q.active
		q.mu.Unlock()
		if !alreadyActive {
			go func() {
				if _, startErr := q.Start(context.Background(), 0, Unbounded); startErr != nil {
					q.logger.Error("background start failed", slog.String("error", startErr.Error()))
				}
			}()
		}
	}

	return j, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// ──────────────────────────────────────────────────
// Eligibility & claim
// ──────────────────────────────────────────────────

// GetConcurrentJobs selects and claims the next batch of eligible jobs
// inside a single write transaction. lifespanRemaining == 0 means "no
// lifespan mode"; any other value (including a negative one) means
// lifespan mode is active with that much time left. jobsLimit < 0 means
// unlimited.
func (q *Queue) GetConcurrentJobs(ctx context.Context, jobsLimit int, lifespanRemaining time.Duration) ([]*job.Job, error) {
	lifespanMode := lifespanRemaining != 0
	if lifespanMode && lifespanRemaining <= 0 {
		return nil, nil
	}

	var batch []*job.Job
	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		now := q.clock()
		no := false
		pred := job.Predicate{
			Active:              &no,
			FailedIsNil:         boolPtr(true),
			NextValidTimeAtMost: &now,
		}
		if lifespanMode {
			timeoutUpper := lifespanRemaining - lifespanBuffer
			if timeoutUpper < 0 {
				timeoutUpper = 0
			}
			zero := time.Duration(0)
			pred.TimeoutGreaterThan = &zero
			pred.TimeoutLessThan = &timeoutUpper
		}

		sort := []job.SortKey{
			{Field: job.SortByPriority, Desc: true},
			{Field: job.SortByCreated, Desc: false},
		}

		candidates, err := tx.Query(ctx, job.Query{Predicate: pred, Sort: sort, Limit: jobsLimit})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		pivot := candidates[0]
		concurrency, err := q.registry.ConcurrencyOf(pivot.Name)
		if err != nil {
			// No worker registered for the pivot's name: still claim a
			// single row so ProcessJob can record the NoWorker failure
			// against it.
			concurrency = 1
		}

		// Re-run with the same sort and the same jobsLimit as the first
		// query, then slice to concurrency. Capping the named query at
		// concurrency directly would let a worker's per-name concurrency
		// override the caller's overall jobsLimit for this batch.
		namedPred := pred
		namedPred.Name = &pivot.Name
		rows, err := tx.Query(ctx, job.Query{Predicate: namedPred, Sort: sort, Limit: jobsLimit})
		if err != nil {
			return err
		}
		if len(rows) > concurrency {
			rows = rows[:concurrency]
		}

		for _, r := range rows {
			r.Active = true
			if err := tx.Update(ctx, r); err != nil {
				return err
			}
		}
		batch = rows
		return nil
	})
	if err != nil {
		return nil, &StoreFailure{Op: "get_concurrent_jobs", Err: err}
	}
	return batch, nil
}

func boolPtr(b bool) *bool { return &b }

// ──────────────────────────────────────────────────
// Processing a job
// ──────────────────────────────────────────────────

// ProcessJob runs job through its registered handler under the timeout
// rule, then records success (row deleted) or failure (attempt
// bookkeeping, retry delay, terminal-failure check) in a write
// transaction. Lifecycle hooks fire in the background; their errors are
// logged, never propagated.
func (q *Queue) ProcessJob(ctx context.Context, j *job.Job) {
	id := j.ID
	payload := j.Payload

	handler, opts, lookupErr := q.registry.Lookup(j.Name)
	if lookupErr != nil {
		q.handleFailure(ctx, j, fmt.Errorf("%w: job %q", lookupErr, j.Name), job.RegisteredOptions{})
		return
	}

	q.fireHook(ctx, opts.OnStart, id, payload, "onStart")

	var procErr error
	if j.Timeout > 0 {
		procErr = q.runWithTimeout(ctx, handler, id, payload, j.Timeout)
	} else {
		procErr = handler(ctx, id, payload)
	}

	if procErr != nil {
		if _, isTimeout := procErr.(*TimeoutError); !isTimeout {
			procErr = &HandlerFailure{Err: procErr}
		}
		q.handleFailure(ctx, j, procErr, opts)
		return
	}
	q.handleSuccess(ctx, j, opts)
}

// runWithTimeout races handler against a timer that synthesizes a
// TimeoutError after d. The loser is not cancelled — an already-running
// handler that times out may still complete its side effects, which is
// acceptable under at-least-once semantics.
func (q *Queue) runWithTimeout(ctx context.Context, h job.HandlerFunc, id string, payload json.RawMessage, d time.Duration) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("pqueue: handler panicked: %v", r)
			}
		}()
		done <- h(ctx, id, payload)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &TimeoutError{ID: id, MS: d}
	}
}

func (q *Queue) handleSuccess(ctx context.Context, j *job.Job, opts job.RegisteredOptions) {
	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		return tx.Delete(ctx, j)
	})
	if err != nil {
		q.logger.Error("store failure deleting completed job",
			slog.String("job_id", j.ID), slog.String("job_name", j.Name), slog.String("error", err.Error()))
		return
	}
	q.fireHook(ctx, opts.OnSuccess, j.ID, j.Payload, "onSuccess")
	q.fireHook(ctx, opts.OnComplete, j.ID, j.Payload, "onComplete")
}

func (q *Queue) handleFailure(ctx context.Context, j *job.Job, procErr error, opts job.RegisteredOptions) {
	now := q.clock()
	var terminal bool
	var updated *job.Job

	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		cur, getErr := tx.Get(ctx, j.ID)
		if getErr != nil {
			return getErr
		}
		if cur == nil {
			return nil
		}

		cur.Data.FailedAttempts++
		cur.Data.Errors = append(cur.Data.Errors, procErr.Error())
		cur.Active = false
		cur.NextValidTime = now.Add(cur.RetryDelay)
		if cur.Data.FailedAttempts >= cur.Data.Attempts {
			f := now
			cur.Failed = &f
			terminal = true
		}
		updated = cur

		return tx.Update(ctx, cur)
	})
	if err != nil {
		q.logger.Error("store failure recording job failure",
			slog.String("job_id", j.ID), slog.String("job_name", j.Name), slog.String("error", err.Error()))
		return
	}

	q.fireHook(ctx, opts.OnFailure, j.ID, j.Payload, "onFailure")
	if terminal {
		q.fireHook(ctx, opts.OnFailed, j.ID, j.Payload, "onFailed")
		q.fireHook(ctx, opts.OnComplete, j.ID, j.Payload, "onComplete")
	}

	if updated != nil && updated.RetryDelay > 0 {
		q.scheduleRestart(updated)
	}
}

// fireHook runs a lifecycle hook in the background. Panics and errors
// are caught and logged, never propagated.
func (q *Queue) fireHook(ctx context.Context, h job.HandlerFunc, id string, payload json.RawMessage, name string) {
	if h == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("lifecycle hook panicked",
					slog.String("hook", name), slog.String("job_id", id), slog.Any("panic", r))
			}
		}()
		if err := h(ctx, id, payload); err != nil {
			q.logger.Error("lifecycle hook failed",
				slog.String("hook", name), slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}()
}

// scheduleRestart arms a timer that restarts the processing loop after
// j's RetryDelay has elapsed, preserving the lifespan active at the
// time of failure. When a WithRestartBackoff strategy is configured, it
// paces the wake timer off j's own FailedAttempts and RetryDelay
// instead of RetryDelay directly, floored at RetryDelay so the timer
// never fires before the row's NextValidTime (always exactly now +
// RetryDelay) makes it eligible again — this never changes the stored
// NextValidTime itself, only when the loop next wakes up to look for
// work.
func (q *Queue) scheduleRestart(j *job.Job) {
	q.mu.Lock()
	lifespan := q.lifespan
	q.mu.Unlock()

	wait := j.RetryDelay
	if q.restartBackoff != nil {
		wait = backoff.NewFloor(q.restartBackoff).Delay(j)
	}

	time.AfterFunc(wait, func() {
		if _, err := q.Start(context.Background(), lifespan, Unbounded); err != nil {
			q.logger.Error("deferred restart failed", slog.String("error", err.Error()))
		}
	})
}

// ──────────────────────────────────────────────────
// Processing loop
// ──────────────────────────────────────────────────

// Start begins the processing loop. It returns (false, nil) immediately,
// without any side effects, if the queue is already active. Otherwise it
// blocks until the store has no more eligible jobs, the lifespan
// expires, maxJobs jobs have been processed, or Stop is called.
//
// lifespan == 0 means unbounded (no lifespan predicate). maxJobs < 0
// (Unbounded) means process until the queue runs dry; maxJobs == 0
// claims nothing and returns immediately.
func (q *Queue) Start(ctx context.Context, lifespan time.Duration, maxJobs int) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if q.active {
		q.mu.Unlock()
		return false, nil
	}
	q.active = true
	q.startTime = q.clock()
	q.lifespan = lifespan
	q.jobsProcessed = 0
	q.mu.Unlock()

	limit := maxJobs
	if limit < 0 {
		limit = math.MaxInt
	}

	processed := 0
	for {
		q.mu.Lock()
		stillActive := q.active
		q.mu.Unlock()
		if !stillActive {
			break
		}

		lifespanRemaining := q.computeLifespanRemaining()
		batch, err := q.GetConcurrentJobs(ctx, limit-processed, lifespanRemaining)
		if err != nil {
			q.logger.Error("store failure during claim, ending run", slog.String("error", err.Error()))
			break
		}
		if len(batch) == 0 {
			break
		}

		var g errgroup.Group
		for _, j := range batch {
			j := j
			g.Go(func() error {
				q.ProcessJob(ctx, j)
				return nil
			})
		}
		_ = g.Wait()

		processed += len(batch)
		q.mu.Lock()
		q.jobsProcessed = processed
		q.mu.Unlock()

		if processed >= limit {
			break
		}
	}

	q.mu.Lock()
	q.active = false
	remaining := q.computeLifespanRemainingLocked()
	if q.lifespan != 0 && remaining < 500*time.Millisecond {
		q.startTime = time.Time{}
		q.lifespan = 0
	}
	q.mu.Unlock()

	return true, nil
}

// Stop sets status to inactive and clears lifespan bookkeeping. In-flight
// handlers are not cancelled; the loop exits once its current batch
// settles.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.active = false
	q.startTime = time.Time{}
	q.lifespan = 0
	q.mu.Unlock()
}

func (q *Queue) computeLifespanRemaining() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.computeLifespanRemainingLocked()
}

// computeLifespanRemainingLocked must be called with q.mu held. It maps
// an exactly-expired lifespan to -1 so callers can tell "lifespan mode,
// time is up" apart from "no lifespan mode".
func (q *Queue) computeLifespanRemainingLocked() time.Duration {
	if q.lifespan == 0 {
		return 0
	}
	remaining := q.lifespan - q.clock().Sub(q.startTime)
	if remaining == 0 {
		remaining = -1
	}
	return remaining
}

// lifespanExpiredLocked must be called with q.mu held.
func (q *Queue) lifespanExpiredLocked() bool {
	if q.lifespan == 0 {
		return false
	}
	return q.computeLifespanRemainingLocked() <= 0
}

// ──────────────────────────────────────────────────
// Deletion & lifecycle
// ──────────────────────────────────────────────────

// GetJobs returns every job row. consistent is accepted for API-contract
// symmetry with the rest of the surface; because job.Store only exposes
// queries inside a write transaction, every call already reads a fully
// consistent snapshot.
func (q *Queue) GetJobs(ctx context.Context, _ bool) ([]*job.Job, error) {
	var rows []*job.Job
	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		var err error
		rows, err = tx.Query(ctx, job.Query{Limit: -1})
		return err
	})
	if err != nil {
		return nil, &StoreFailure{Op: "get_jobs", Err: err}
	}
	return rows, nil
}

// FlushQueue deletes every row matching name, or every row if name is
// empty. If name is non-empty and nothing matches, no store delete call
// is made.
func (q *Queue) FlushQueue(ctx context.Context, name string) error {
	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		var pred job.Predicate
		if name != "" {
			pred.Name = &name
		}
		_, err := tx.DeleteMatching(ctx, pred)
		return err
	})
	if err != nil {
		return &StoreFailure{Op: "flush_queue", Err: err}
	}
	return nil
}

// FlushJob deletes the row with the given id if present; otherwise it is
// a no-op.
func (q *Queue) FlushJob(ctx context.Context, id string) error {
	err := q.store.WriteTx(ctx, func(tx job.Tx) error {
		j, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}
		return tx.Delete(ctx, j)
	})
	if err != nil {
		return &StoreFailure{Op: "flush_job", Err: err}
	}
	return nil
}

// Close stops the loop and closes the store handle.
func (q *Queue) Close(_ context.Context) error {
	q.Stop()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.store.Close()
}

// ──────────────────────────────────────────────────
// Stats
// ──────────────────────────────────────────────────

// Stats is a read-only snapshot of the loop's bookkeeping fields.
type Stats struct {
	Active        bool
	JobsProcessed int
	StartTime     time.Time
	Lifespan      time.Duration
}

// Stats returns a snapshot of the scheduler's current bookkeeping state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Active:        q.active,
		JobsProcessed: q.jobsProcessed,
		StartTime:     q.startTime,
		Lifespan:      q.lifespan,
	}
}
