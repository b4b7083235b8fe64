package job

import (
	"encoding/json"
	"time"
)

// Job is the sole persistent entity in the queue.
type Job struct {
	ID            string
	Name          string
	Payload       json.RawMessage
	Data          Data
	Priority      int
	Active        bool
	Timeout       time.Duration // zero means no timeout
	Created       time.Time
	Failed        *time.Time
	NextValidTime time.Time
	RetryDelay    time.Duration
}

// Data is the core-managed attempt-bookkeeping envelope stored in the
// job's `data` column. The Payload field on Job is opaque to the core and
// is never touched here.
type Data struct {
	Attempts       int      `json:"attempts"`
	FailedAttempts int      `json:"failedAttempts,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Terminal reports whether the job has exhausted its attempts. Failed is
// set exactly when this is true.
func (j *Job) Terminal() bool {
	return j.Data.FailedAttempts >= j.Data.Attempts
}

// Clone returns a deep-enough copy of j that mutating the copy's Data and
// Errors slice cannot race with or corrupt the original. Store
// implementations use this when handing rows to callers or snapshotting
// them into a transaction's working set.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Failed != nil {
		f := *j.Failed
		cp.Failed = &f
	}
	if len(j.Data.Errors) > 0 {
		cp.Data.Errors = make([]string, len(j.Data.Errors))
		copy(cp.Data.Errors, j.Data.Errors)
	}
	if len(j.Payload) > 0 {
		cp.Payload = make(json.RawMessage, len(j.Payload))
		copy(cp.Payload, j.Payload)
	}
	return &cp
}
