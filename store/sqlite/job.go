package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // register sqlite migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/pqueue/job"
)

var _ job.Store = (*Store)(nil)

// Store is pqueue's job.Store, backed by a grove.DB on the SQLite
// dialect. Unlike stores that back several subsystems at once
// (job.Store, workflow.Store, cron.Store, dlq.Store, event.Store, and
// cluster.Store all in one type), pqueue has exactly one persistent
// entity, so Store satisfies job.Store alone.
//
// The caller owns the *grove.DB lifecycle — Store.Close never closes it.
type Store struct {
	db     *grove.DB
	sdb    *sqlitedriver.SqliteDB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps db as a job.Store.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		sdb:    sqlitedriver.Unwrap(db),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *grove.DB, for callers that need direct
// access (connection pool tuning, health checks beyond Ping, ...).
func (s *Store) DB() *grove.DB {
	return s.db
}

// Migrate applies the pqueue_jobs table migration via the grove
// migration orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("pqueue/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("pqueue/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op: the caller opened db and owns closing it.
func (s *Store) Close() error {
	return nil
}

// WriteTx opens a grove transaction and runs fn against it. The
// transaction gives the "read-your-writes" guarantee job.Tx requires: a
// Query made later in fn sees every row this same fn has already
// inserted, updated, or deleted, because SQLite's own transaction
// isolation provides it — no store-side bookkeeping needed, unlike
// store/memory's mutex-held-for-the-closure approach.
//
// fn returning an error rolls the transaction back; sdb.RunInTx commits
// on a nil return and rolls back and returns the error otherwise.
func (s *Store) WriteTx(ctx context.Context, fn func(job.Tx) error) error {
	return s.sdb.RunInTx(ctx, nil, func(_ context.Context, stx *sqlitedriver.SqliteTx) error {
		return fn(&tx{stx: stx})
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ job.Tx = (*tx)(nil)

// tx is the job.Tx implementation backing a single Store.WriteTx call. It
// holds the *sqlitedriver.SqliteTx grove hands WriteTx's callback, so
// every operation runs inside the same SQLite transaction and sees every
// prior write made in it.
type tx struct {
	stx *sqlitedriver.SqliteTx
}

func (t *tx) Get(ctx context.Context, id string) (*job.Job, error) {
	m := new(jobModel)
	err := t.stx.NewSelect(m).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pqueue/sqlite: get job %q: %w", id, err)
	}
	return fromJobModel(m)
}

func (t *tx) Insert(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	if _, err := t.stx.NewInsert(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("pqueue/sqlite: insert job %q: id already exists: %w", j.ID, err)
		}
		return fmt.Errorf("pqueue/sqlite: insert job %q: %w", j.ID, err)
	}
	return nil
}

func (t *tx) Update(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	res, err := t.stx.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("pqueue/sqlite: update job %q: %w", j.ID, err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite driver never errors here
	if rows == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, j *job.Job) error {
	_, err := t.stx.NewDelete((*jobModel)(nil)).Where("id = ?", j.ID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("pqueue/sqlite: delete job %q: %w", j.ID, err)
	}
	return nil
}

func (t *tx) DeleteMatching(ctx context.Context, p job.Predicate) (int, error) {
	cq := t.stx.NewSelect((*jobModel)(nil))
	cq = applySelectPredicate(cq, p)
	count, err := cq.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("pqueue/sqlite: count matching jobs: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	q := t.stx.NewDelete((*jobModel)(nil))
	q = applyDeletePredicate(q, p)
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("pqueue/sqlite: delete matching jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite driver never errors here
	return int(rows), nil
}

func (t *tx) Query(ctx context.Context, q job.Query) ([]*job.Job, error) {
	var models []jobModel
	sq := t.stx.NewSelect(&models)
	sq = applySelectPredicate(sq, q.Predicate)
	sq = applySort(sq, q.Sort)
	if q.Limit >= 0 {
		sq = sq.Limit(q.Limit)
	}

	if err := sq.Scan(ctx); err != nil {
		return nil, fmt.Errorf("pqueue/sqlite: query jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func applySelectPredicate(q *sqlitedriver.SelectQuery, p job.Predicate) *sqlitedriver.SelectQuery {
	if p.Active != nil {
		q = q.Where("active = ?", *p.Active)
	}
	if p.FailedIsNil != nil {
		if *p.FailedIsNil {
			q = q.Where("failed IS NULL")
		} else {
			q = q.Where("failed IS NOT NULL")
		}
	}
	if p.NextValidTimeAtMost != nil {
		q = q.Where("next_valid_time <= ?", *p.NextValidTimeAtMost)
	}
	if p.Name != nil {
		q = q.Where("name = ?", *p.Name)
	}
	if p.TimeoutGreaterThan != nil {
		q = q.Where("timeout > ?", p.TimeoutGreaterThan.Nanoseconds())
	}
	if p.TimeoutLessThan != nil {
		q = q.Where("timeout < ?", p.TimeoutLessThan.Nanoseconds())
	}
	return q
}

func applyDeletePredicate(q *sqlitedriver.DeleteQuery, p job.Predicate) *sqlitedriver.DeleteQuery {
	if p.Active != nil {
		q = q.Where("active = ?", *p.Active)
	}
	if p.FailedIsNil != nil {
		if *p.FailedIsNil {
			q = q.Where("failed IS NULL")
		} else {
			q = q.Where("failed IS NOT NULL")
		}
	}
	if p.NextValidTimeAtMost != nil {
		q = q.Where("next_valid_time <= ?", *p.NextValidTimeAtMost)
	}
	if p.Name != nil {
		q = q.Where("name = ?", *p.Name)
	}
	if p.TimeoutGreaterThan != nil {
		q = q.Where("timeout > ?", p.TimeoutGreaterThan.Nanoseconds())
	}
	if p.TimeoutLessThan != nil {
		q = q.Where("timeout < ?", p.TimeoutLessThan.Nanoseconds())
	}
	return q
}

func applySort(q *sqlitedriver.SelectQuery, keys []job.SortKey) *sqlitedriver.SelectQuery {
	if len(keys) == 0 {
		return q
	}
	clauses := make([]string, len(keys))
	for i, k := range keys {
		col := sortColumn(k.Field)
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		clauses[i] = col + " " + dir
	}
	return q.OrderExpr(strings.Join(clauses, ", "))
}

func sortColumn(f job.SortField) string {
	switch f {
	case job.SortByPriority:
		return "priority"
	case job.SortByCreated:
		return "created"
	default:
		return "created"
	}
}
