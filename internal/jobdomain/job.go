// Package jobdomain holds the storage-shaped types the job system operates
// on: Job, its lifecycle events, and the Host a job runs under.
package jobdomain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the job's position in its lifecycle state machine.
//
// Legal transitions: Pending -> Running -> (Success | Error). Error may be
// re-queued by the retry duplicator as a brand new Pending job; a job row
// itself never transitions back out of a terminal status.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// terminal reports whether s is a state no further core-initiated transition
// may overwrite (§4.6 idempotence guard).
func (s Status) terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Job is a single unit of queued work.
//
// Payload and Result are opaque JSON to the core; only job-type handler code
// (out of scope here) interprets their contents.
type Job struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type       string         `gorm:"column:type;not null;index" json:"type"`
	Status     Status         `gorm:"column:status;not null;index;index:idx_jobs_status_created,priority:1" json:"status"`
	StatusText string         `gorm:"column:status_text" json:"status_text,omitempty"`
	Details    string         `gorm:"column:details;type:text" json:"details,omitempty"`
	Hostname   string         `gorm:"column:hostname;index" json:"hostname,omitempty"`
	Timeout    int            `gorm:"column:timeout;not null" json:"timeout"`
	TTL        int            `gorm:"column:ttl;not null;default:1" json:"ttl"`
	Completion int            `gorm:"column:completion;not null;default:0" json:"completion"`
	Payload    datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result     datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	Created    time.Time      `gorm:"column:created;not null;default:now();index;index:idx_jobs_status_created,priority:2" json:"created"`
	Started    *time.Time     `gorm:"column:started" json:"started,omitempty"`
	Finished   *time.Time     `gorm:"column:finished" json:"finished,omitempty"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "jobs" }

// Clone returns a field-by-field copy of j, suitable for re-queuing as a new
// job row by the retry duplicator. It deliberately avoids any generic
// reflection-based deep-copy (Design Notes §9): every field that needs
// independent backing storage (Payload) is copied explicitly.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.ID = uuid.Nil
	cp.Status = StatusPending
	cp.StatusText = ""
	cp.Details = ""
	cp.Hostname = ""
	cp.Completion = 0
	cp.Started = nil
	cp.Finished = nil
	cp.Result = nil
	cp.DeletedAt = gorm.DeletedAt{}
	if j.Payload != nil {
		buf := make(datatypes.JSON, len(j.Payload))
		copy(buf, j.Payload)
		cp.Payload = buf
	}
	return &cp
}

// HistoryEventKind names the opaque-to-the-core lifecycle events appended to
// a job's history ledger (§3: "opaque to the core").
type HistoryEventKind string

const (
	HistoryCreated   HistoryEventKind = "created"
	HistoryClaimed   HistoryEventKind = "claimed"
	HistoryProgress  HistoryEventKind = "progress"
	HistorySucceeded HistoryEventKind = "succeeded"
	HistoryFailed    HistoryEventKind = "failed"
	HistoryRetried   HistoryEventKind = "retried"
)

// HistoryEvent is one append-only entry in a job's timeline. The core writes
// these but never reads or branches on their contents.
type HistoryEvent struct {
	ID        uuid.UUID        `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID        `gorm:"type:uuid;not null;index" json:"job_id"`
	Kind      HistoryEventKind `gorm:"column:kind;not null;index" json:"kind"`
	Message   string           `gorm:"column:message;type:text" json:"message,omitempty"`
	Data      datatypes.JSON   `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	CreatedAt time.Time        `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
}

func (HistoryEvent) TableName() string { return "job_history_events" }
