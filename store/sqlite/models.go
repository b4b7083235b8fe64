package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/pqueue/job"
)

// jobModel is the grove row shape for pqueue's sole persistent entity.
// Data's attempt bookkeeping is stored as a single JSON blob column
// rather than flattened, mirroring how other grove-backed stores keep a
// structured sub-object alongside the flat row columns.
type jobModel struct {
	grove.BaseModel `grove:"table:pqueue_jobs"`

	ID            string     `grove:"id,pk"`
	Name          string     `grove:"name,notnull"`
	Payload       []byte     `grove:"payload,notnull"`
	Data          string     `grove:"data,notnull,default:'{}'"`
	Priority      int        `grove:"priority,notnull,default:0"`
	Active        bool       `grove:"active,notnull,default:false"`
	Timeout       int64      `grove:"timeout,notnull,default:0"`
	Created       time.Time  `grove:"created,notnull"`
	Failed        *time.Time `grove:"failed"`
	NextValidTime time.Time  `grove:"next_valid_time,notnull"`
	RetryDelay    int64      `grove:"retry_delay,notnull,default:0"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, fmt.Errorf("pqueue/sqlite: marshal job data: %w", err)
	}
	return &jobModel{
		ID:            j.ID,
		Name:          j.Name,
		Payload:       j.Payload,
		Data:          string(data),
		Priority:      j.Priority,
		Active:        j.Active,
		Timeout:       j.Timeout.Nanoseconds(),
		Created:       j.Created,
		Failed:        j.Failed,
		NextValidTime: j.NextValidTime,
		RetryDelay:    j.RetryDelay.Nanoseconds(),
	}, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	var data job.Data
	if m.Data != "" {
		if err := json.Unmarshal([]byte(m.Data), &data); err != nil {
			return nil, fmt.Errorf("pqueue/sqlite: unmarshal job %q data: %w", m.ID, err)
		}
	}
	return &job.Job{
		ID:            m.ID,
		Name:          m.Name,
		Payload:       m.Payload,
		Data:          data,
		Priority:      m.Priority,
		Active:        m.Active,
		Timeout:       time.Duration(m.Timeout),
		Created:       m.Created,
		Failed:        m.Failed,
		NextValidTime: m.NextValidTime,
		RetryDelay:    time.Duration(m.RetryDelay),
	}, nil
}
