// Package pqueue provides a durable, priority-ordered, at-least-once job
// queue embedded in a single process.
//
// A [Queue] persists every job to a local store (store/memory for tests
// and development, store/sqlite for production) before it runs, so work
// survives process restarts. Registered worker functions consume jobs by
// name; the queue handles priority ordering, per-name concurrency,
// retry backoff, per-attempt timeouts, and an optional bounded-lifespan
// run loop suited to environments (mobile background tasks, serverless
// cron windows) that kill a process after a fixed wall-clock budget.
//
// # Quick Start
//
//	q, err := pqueue.New(pqueue.WithStore(memory.New()))
//	err = job.Register(q.Registry(), "send-email", func(ctx context.Context, id string, payload json.RawMessage) error {
//	    return mailer.Send(payload)
//	})
//	_, err = q.CreateJob(ctx, "send-email", emailPayload, false, job.WithPriority(5))
//
// # Architecture
//
// pqueue splits into a scheduler (this package), a worker registry and
// Job entity (package job), and pluggable persistence adapters
// (store/memory, store/sqlite). The scheduler is the only piece that
// knows how to select, claim, and transition jobs; it treats the store
// and registry strictly through their contract interfaces.
package pqueue
