package pqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pqueue "github.com/xraph/pqueue"
	"github.com/xraph/pqueue/backoff"
	"github.com/xraph/pqueue/job"
	"github.com/xraph/pqueue/store/memory"
)

// fakeClock lets tests space job creation deterministically without real
// sleeps, while still exercising the claim transaction's tie-break rules.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noopHandler(context.Context, string, json.RawMessage) error { return nil }

func TestGetConcurrentJobs_PriorityOrderWithPerNameConcurrency(t *testing.T) {
	fc := newFakeClock()
	q, err := pqueue.New(pqueue.WithStore(memory.New()), pqueue.WithClock(fc.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.AddWorker("A", noopHandler, job.WithConcurrency(3)); err != nil {
		t.Fatalf("AddWorker A: %v", err)
	}
	if err := q.AddWorker("B", noopHandler, job.WithConcurrency(2)); err != nil {
		t.Fatalf("AddWorker B: %v", err)
	}

	ctx := context.Background()
	create := func(name, id string, priority int) {
		_, err := q.CreateJob(ctx, name, nil, false, job.WithID(id), job.WithPriority(priority))
		if err != nil {
			t.Fatalf("CreateJob(%s,%s): %v", name, id, err)
		}
		fc.Advance(25 * time.Millisecond)
	}

	create("A", "r1", 0)
	create("B", "d1", 3)
	create("A", "r2", 0)
	create("B", "d2", 5)
	create("B", "d3", 3)
	create("A", "r3", 0)
	create("A", "r4", 0)

	batch, err := q.GetConcurrentJobs(ctx, -1, 0)
	if err != nil {
		t.Fatalf("GetConcurrentJobs: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2: %+v", len(batch), batch)
	}
	if batch[0].ID != "d2" || batch[1].ID != "d1" {
		t.Fatalf("batch = [%s, %s], want [d2, d1]", batch[0].ID, batch[1].ID)
	}
}

func TestProcessJob_FailureSchedulesRetryWithDelay(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	alwaysFails := func(context.Context, string, json.RawMessage) error {
		return fmt.Errorf("boom")
	}
	if err := q.AddWorker("flaky", alwaysFails); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	before := time.Now()
	j, err := q.CreateJob(ctx, "flaky", nil, false,
		job.WithAttempts(2), job.WithTimeout(250*time.Millisecond), job.WithRetryDelay(2*time.Second))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := q.Start(ctx, 1500*time.Millisecond, pqueue.Unbounded); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	var got *job.Job
	for _, r := range rows {
		if r.ID == j.ID {
			got = r
		}
	}
	if got == nil {
		t.Fatal("job not found after retry")
	}
	if got.Data.FailedAttempts != 1 {
		t.Errorf("FailedAttempts = %d, want 1", got.Data.FailedAttempts)
	}
	if got.Failed != nil {
		t.Errorf("Failed = %v, want nil", got.Failed)
	}
	if !got.NextValidTime.After(before.Add(1000 * time.Millisecond)) {
		t.Errorf("NextValidTime = %v, want after %v", got.NextValidTime, before.Add(1000*time.Millisecond))
	}
}

// TestRestartBackoff_DelaysWakeBeyondRetryDelay proves WithRestartBackoff
// actually paces the deferred-restart wake timer: a 700ms constant
// strategy keeps the loop from reclaiming the job at its raw 50ms
// RetryDelay, and the second attempt only runs once the backoff elapses.
func TestRestartBackoff_DelaysWakeBeyondRetryDelay(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(
		pqueue.WithStore(store),
		pqueue.WithRestartBackoff(backoff.NewConstant(700*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	attempt := 0
	var succeededAt time.Time
	err = q.AddWorker("flaky-then-ok", func(context.Context, string, json.RawMessage) error {
		mu.Lock()
		attempt++
		first := attempt == 1
		mu.Unlock()
		if first {
			return fmt.Errorf("transient")
		}
		mu.Lock()
		succeededAt = time.Now()
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	if _, err := q.CreateJob(ctx, "flaky-then-ok", nil, false,
		job.WithAttempts(2), job.WithRetryDelay(50*time.Millisecond)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	before := time.Now()
	if _, err := q.Start(ctx, 0, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// RetryDelay alone would make the row eligible again after 50ms, but
	// the configured backoff strategy floors the restart timer at 700ms:
	// nothing should have rerun yet well past 50ms.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	ranEarly := !succeededAt.IsZero()
	mu.Unlock()
	if ranEarly {
		t.Fatal("second attempt ran before the configured backoff delay elapsed")
	}

	time.Sleep(700 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if succeededAt.IsZero() {
		t.Fatal("second attempt never ran after the backoff delay elapsed")
	}
	if succeededAt.Sub(before) < 700*time.Millisecond {
		t.Errorf("second attempt ran after %v, want >= 700ms (configured backoff floor)", succeededAt.Sub(before))
	}
}

func TestProcessJob_ExhaustedAttemptsRecordsTerminalFailure(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var attempt int32
	alwaysFails := func(context.Context, string, json.RawMessage) error {
		n := atomic.AddInt32(&attempt, 1)
		return fmt.Errorf("Example Error number: %d", n)
	}
	if err := q.AddWorker("doomed", alwaysFails); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	j, err := q.CreateJob(ctx, "doomed", nil, false,
		job.WithAttempts(3), job.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i := 0; i < 3; i++ {
		q.ProcessJob(ctx, j)
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	var got *job.Job
	for _, r := range rows {
		if r.ID == j.ID {
			got = r
		}
	}
	if got == nil {
		t.Fatal("job not found after terminal failure")
	}
	if got.Data.Attempts != 3 || got.Data.FailedAttempts != 3 {
		t.Fatalf("Data = %+v, want Attempts=3 FailedAttempts=3", got.Data)
	}
	wantErrors := []string{
		"Example Error number: 1",
		"Example Error number: 2",
		"Example Error number: 3",
	}
	if len(got.Data.Errors) != len(wantErrors) {
		t.Fatalf("Errors = %v, want %v", got.Data.Errors, wantErrors)
	}
	for i, e := range wantErrors {
		if got.Data.Errors[i] != e {
			t.Errorf("Errors[%d] = %q, want %q", i, got.Data.Errors[i], e)
		}
	}
	if got.Failed == nil {
		t.Fatal("Failed should be set after terminal failure")
	}

	batch, err := q.GetConcurrentJobs(ctx, -1, 0)
	if err != nil {
		t.Fatalf("GetConcurrentJobs: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no claimable jobs after terminal failure, got %d", len(batch))
	}
}

func TestStart_LifespanModeExcludesZeroTimeoutJobs(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ran := false
	if err := q.AddWorker("noop", func(context.Context, string, json.RawMessage) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	j, err := q.CreateJob(ctx, "noop", nil, false, job.WithTimeout(0))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := q.Start(ctx, 1000*time.Millisecond, pqueue.Unbounded)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ok {
		t.Fatal("Start returned false, want true")
	}
	if ran {
		t.Fatal("handler ran, but a zero-timeout job must be excluded in lifespan mode")
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.ID == j.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("job row should still be present")
	}
}

func TestCreateJob_ExplicitZeroTimeoutNotReplacedByDefault(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	j, err := q.CreateJob(ctx, "any", nil, false, job.WithTimeout(0))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Timeout != 0 {
		t.Fatalf("Timeout = %v, want 0 (not the 25s default)", j.Timeout)
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	for _, r := range rows {
		if r.ID == j.ID && r.Timeout != 0 {
			t.Fatalf("stored Timeout = %v, want 0", r.Timeout)
		}
	}
}

func TestStart_BoundedByMaxJobsAcrossCalls(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var completed int32
	if err := q.AddWorker("batch", func(context.Context, string, json.RawMessage) error {
		atomic.AddInt32(&completed, 1)
		return nil
	}); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := q.CreateJob(ctx, "batch", nil, false,
			job.WithTimeout(200*time.Millisecond),
			job.WithRetryDelay(500*time.Millisecond),
			job.WithAttempts(3))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	if _, err := q.Start(ctx, 1000*time.Millisecond, 1); err != nil {
		t.Fatalf("Start(1): %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if got := atomic.LoadInt32(&completed); got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}

	if _, err := q.Start(ctx, 1000*time.Millisecond, 2); err != nil {
		t.Fatalf("Start(2): %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if got := atomic.LoadInt32(&completed); got != 3 {
		t.Fatalf("completed = %d, want 3", got)
	}

	if _, err := q.Start(ctx, 1000*time.Millisecond, 0); err != nil {
		t.Fatalf("Start(0): %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if got := atomic.LoadInt32(&completed); got != 3 {
		t.Fatalf("completed = %d, want no additional completions (still 3)", got)
	}
}

// TestStart_MaxJobsCapsBatchBelowWorkerConcurrency proves a worker's
// per-name concurrency can never push a single Start call past the
// caller's maxJobs budget, even when concurrency exceeds the remaining
// budget and every eligible row shares the worker's name.
func TestStart_MaxJobsCapsBatchBelowWorkerConcurrency(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var completed int32
	if err := q.AddWorker("wide", func(context.Context, string, json.RawMessage) error {
		atomic.AddInt32(&completed, 1)
		return nil
	}, job.WithConcurrency(5)); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := q.CreateJob(ctx, "wide", nil, false); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	batch, err := q.GetConcurrentJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("GetConcurrentJobs: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2 (capped by jobsLimit, not the worker's concurrency of 5)", len(batch))
	}

	if _, err := q.Start(ctx, 0, 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := atomic.LoadInt32(&completed); got != 2 {
		t.Fatalf("completed = %d, want 2 (Start(ctx, 0, 2) must not process all 5 eligible rows)", got)
	}
}

func TestStart_AlreadyActiveIsNoOp(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	block := make(chan struct{})
	if err := q.AddWorker("slow", func(ctx context.Context, _ string, _ json.RawMessage) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}

	ctx := context.Background()
	if _, err := q.CreateJob(ctx, "slow", nil, false); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = q.Start(ctx, 0, pqueue.Unbounded)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	ok, err := q.Start(ctx, 0, pqueue.Unbounded)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if ok {
		t.Fatal("second concurrent Start should return false")
	}

	close(block)
	<-done
}

func TestFlushQueue_ThenGetJobsEmpty(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.CreateJob(ctx, "x", nil, false); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	if err := q.FlushQueue(ctx, ""); err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("GetJobs after FlushQueue = %d rows, want 0", len(rows))
	}
}

func TestCreateJob_ThenFlushJob_LeavesNoTrace(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	j, err := q.CreateJob(ctx, "x", nil, false)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := q.FlushJob(ctx, j.ID); err != nil {
		t.Fatalf("FlushJob: %v", err)
	}

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	for _, r := range rows {
		if r.ID == j.ID {
			t.Fatalf("job %q still present after FlushJob", j.ID)
		}
	}
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := pqueue.New()
	if !errors.Is(err, pqueue.ErrNoStore) {
		t.Fatalf("New() error = %v, want ErrNoStore", err)
	}
}

func TestNoWorkerRegistered_FailsWithNameInError(t *testing.T) {
	store := memory.New()
	q, err := pqueue.New(pqueue.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	j, err := q.CreateJob(ctx, "ghost-worker", nil, false, job.WithAttempts(1))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	q.ProcessJob(ctx, j)

	rows, err := q.GetJobs(ctx, true)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	var got *job.Job
	for _, r := range rows {
		if r.ID == j.ID {
			got = r
		}
	}
	if got == nil {
		t.Fatal("job not found")
	}
	if len(got.Data.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1 entry", got.Data.Errors)
	}
	if !strings.Contains(got.Data.Errors[0], "ghost-worker") {
		t.Errorf("Errors[0] = %q, want it to name job %q", got.Data.Errors[0], "ghost-worker")
	}
}
