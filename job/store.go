package job

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Tx.Get-adjacent operations when a row does
// not exist where the caller expected one (an Update target; Delete
// treats a missing row as success).
// Get itself returns (nil, nil) for a missing row — see its doc comment.
var ErrNotFound = errors.New("pqueue: job not found")

// SortField names a sortable column in Predicate-based queries.
type SortField string

const (
	// SortByPriority sorts on Job.Priority.
	SortByPriority SortField = "priority"
	// SortByCreated sorts on Job.Created.
	SortByCreated SortField = "created"
)

// SortKey is one key of a multi-key, per-key-direction sort.
type SortKey struct {
	Field SortField
	Desc  bool
}

// Predicate is an ANDed set of clauses over Job's fields. A nil field
// means "no constraint on this field".
type Predicate struct {
	Active              *bool
	FailedIsNil         *bool
	NextValidTimeAtMost *time.Time
	Name                *string
	TimeoutGreaterThan  *time.Duration
	TimeoutLessThan     *time.Duration
}

// Query combines a Predicate, a multi-key Sort, and an optional Limit.
// A negative Limit means unlimited.
type Query struct {
	Predicate Predicate
	Sort      []SortKey
	Limit     int
}

// Tx is the set of operations available inside a single call to
// Store.WriteTx. All mutations made through a Tx become visible together
// at commit; a Query made later in the same Tx must reflect every prior
// mutation made in that same Tx (read-your-writes), which is what lets
// GetConcurrentJobs claim a batch and never return an already-claimed
// row within one transaction.
type Tx interface {
	// Query returns a snapshot of jobs matching q, honoring pending
	// writes made earlier in this same transaction.
	Query(ctx context.Context, q Query) ([]*Job, error)

	// Get returns the job with the given id, or (nil, nil) if no such
	// job exists.
	Get(ctx context.Context, id string) (*Job, error)

	// Insert adds a new job row. Implementations should treat a
	// duplicate id as a programming error (ids are supplied unique by
	// the caller) rather than a recoverable condition.
	Insert(ctx context.Context, j *Job) error

	// Update persists the full row for j, matched by id.
	Update(ctx context.Context, j *Job) error

	// Delete removes the row for j, matched by id. A missing row is not
	// an error.
	Delete(ctx context.Context, j *Job) error

	// DeleteMatching deletes every row satisfying p and reports how many
	// rows were removed. Implementations must not perform any delete
	// call against the underlying store when nothing matches.
	DeleteMatching(ctx context.Context, p Predicate) (int, error)
}

// Store is the persistence-adapter contract consumed by the scheduler.
// A single shared Store handle is opened once per process and passed to
// pqueue.New via pqueue.WithStore.
type Store interface {
	// WriteTx executes fn inside a single atomic transaction. All
	// mutations fn makes become visible together on return; if fn
	// returns an error, the transaction is rolled back and WriteTx
	// returns that error.
	WriteTx(ctx context.Context, fn func(Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}
