// Package repository defines the storage contract the job system runs on
// (§4.1) and a Postgres/GORM implementation of it.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
)

// Repository is the atomic-claim storage contract the Job Supervisor and
// Retry Duplicator run against. Every method is safe to call concurrently
// from multiple agent processes sharing one backing store.
type Repository interface {
	// ClaimOne atomically transitions the oldest eligible Pending job of one
	// of eligibleTypes to Running and returns it, setting hostname and
	// started. Returns (nil, nil) if nothing is eligible right now, and
	// (nil, ErrNoEligibleTypes) immediately — without issuing a query — if
	// eligibleTypes is empty (§9 Open Question).
	ClaimOne(ctx context.Context, eligibleTypes []string, hostname string) (*jobdomain.Job, error)

	// Reload fetches the current persisted state of a job by ID.
	Reload(ctx context.Context, id uuid.UUID) (*jobdomain.Job, error)

	// Save persists every mutable field of job as-is. The supervisor's
	// Success/Error callbacks do not use it; they go through
	// UpdateStatusUnlessTerminal.
	Save(ctx context.Context, job *jobdomain.Job) error

	// Insert creates a brand new job row (used by the Retry Duplicator to
	// re-queue a cloned job).
	Insert(ctx context.Context, job *jobdomain.Job) error

	// UpdateStatusUnlessTerminal transitions job id to status with the given
	// fields, but refuses to overwrite a job that is already Success or
	// Error (§4.6 idempotence). Returns whether the update actually applied.
	UpdateStatusUnlessTerminal(ctx context.Context, id uuid.UUID, status jobdomain.Status, fields map[string]interface{}) (bool, error)

	// AppendHistory appends an opaque lifecycle event to a job's timeline.
	AppendHistory(ctx context.Context, event *jobdomain.HistoryEvent) error

	// RunningOlderThan returns jobs stuck in Running with started before
	// cutoff. The supervisor's timeout sweep does not call it; that sweep
	// checks only the children this process spawned.
	RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*jobdomain.Job, error)

	// UpsertHostStatus writes the durable host heartbeat row (§4.2).
	UpsertHostStatus(ctx context.Context, host *jobdomain.Host) error
}
