// Package memory is an in-memory job.Store implementation suited to
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xraph/pqueue/job"
)

var _ job.Store = (*Store)(nil)

// Store is a fully in-memory implementation of job.Store. A single
// sync.Mutex stands in for a transactional store: WriteTx holds the
// lock for the closure's whole duration, so a Query made later in the
// same closure sees every mutation made earlier in it by construction —
// it is the same map — satisfying the read-your-writes requirement
// without any re-select-by-id bookkeeping.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

// New returns a new, empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// WriteTx executes fn with the store's mutex held, giving fn exclusive,
// atomic access to the job map for its duration. If fn returns an error,
// every change fn made is discarded.
func (s *Store) WriteTx(_ context.Context, fn func(job.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Rows are replaced, never mutated in place, so a shallow copy of the
	// map is enough to restore the pre-transaction state.
	snapshot := make(map[string]*job.Job, len(s.jobs))
	for id, j := range s.jobs {
		snapshot[id] = j
	}
	if err := fn(&tx{s: s}); err != nil {
		s.jobs = snapshot
		return err
	}
	return nil
}

// Close is a no-op; the in-memory store holds no external resources.
func (s *Store) Close() error { return nil }

// tx is the job.Tx implementation backing a single WriteTx call. It
// operates directly on the Store's map, which is safe because the caller
// holds s.mu for the closure's entire duration.
type tx struct {
	s *Store
}

func (t *tx) Get(_ context.Context, id string) (*job.Job, error) {
	j, ok := t.s.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (t *tx) Insert(_ context.Context, j *job.Job) error {
	t.s.jobs[j.ID] = j.Clone()
	return nil
}

func (t *tx) Update(_ context.Context, j *job.Job) error {
	if _, ok := t.s.jobs[j.ID]; !ok {
		return job.ErrNotFound
	}
	t.s.jobs[j.ID] = j.Clone()
	return nil
}

func (t *tx) Delete(_ context.Context, j *job.Job) error {
	delete(t.s.jobs, j.ID)
	return nil
}

func (t *tx) DeleteMatching(_ context.Context, p job.Predicate) (int, error) {
	var doomed []string
	for id, j := range t.s.jobs {
		if matches(j, p) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(t.s.jobs, id)
	}
	return len(doomed), nil
}

func (t *tx) Query(_ context.Context, q job.Query) ([]*job.Job, error) {
	var rows []*job.Job
	for _, j := range t.s.jobs {
		if matches(j, q.Predicate) {
			rows = append(rows, j.Clone())
		}
	}

	sortRows(rows, q.Sort)

	if q.Limit >= 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func matches(j *job.Job, p job.Predicate) bool {
	if p.Active != nil && j.Active != *p.Active {
		return false
	}
	if p.FailedIsNil != nil {
		isNil := j.Failed == nil
		if isNil != *p.FailedIsNil {
			return false
		}
	}
	if p.NextValidTimeAtMost != nil && j.NextValidTime.After(*p.NextValidTimeAtMost) {
		return false
	}
	if p.Name != nil && j.Name != *p.Name {
		return false
	}
	if p.TimeoutGreaterThan != nil && j.Timeout <= *p.TimeoutGreaterThan {
		return false
	}
	if p.TimeoutLessThan != nil && j.Timeout >= *p.TimeoutLessThan {
		return false
	}
	return true
}

func sortRows(rows []*job.Job, keys []job.SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, k int) bool {
		for _, key := range keys {
			less, greater := compareField(rows[i], rows[k], key.Field)
			if less == greater {
				continue
			}
			if key.Desc {
				return greater
			}
			return less
		}
		return false
	})
}

// compareField returns (aBeforeB, aAfterB) for the given sort field.
func compareField(a, b *job.Job, field job.SortField) (less, greater bool) {
	switch field {
	case job.SortByPriority:
		return a.Priority < b.Priority, a.Priority > b.Priority
	case job.SortByCreated:
		return a.Created.Before(b.Created), a.Created.After(b.Created)
	default:
		return false, false
	}
}
