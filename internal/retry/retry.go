// Package retry implements the Retry Duplicator (§4.7): when a job ends in
// Error with TTL remaining, a brand new Pending job is queued as a clone of
// it rather than the original row being reused.
package retry

import (
	"context"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
)

// Duplicator re-queues failed jobs subject to their retry budget.
type Duplicator struct {
	repo repository.Repository
	log  *logging.Logger
}

func New(repo repository.Repository, baseLog *logging.Logger) *Duplicator {
	return &Duplicator{repo: repo, log: baseLog.With("component", "RetryDuplicator")}
}

// Requeue inspects a just-failed job and, if its TTL budget allows another
// attempt, inserts a cloned Pending job with TTL decremented by one.
//
// Resolved from original_source/jobmanager/client.py (spec.md itself leaves
// the exact cutoff ambiguous): a job retries only while ttl > 1 before
// decrementing, so a job with ttl=1 gets no further retry — the failure
// that brings it to ttl=1 is its last attempt, not one that still owes it
// a requeue.
func (d *Duplicator) Requeue(ctx context.Context, failed *jobdomain.Job) (*jobdomain.Job, error) {
	if failed == nil || failed.Status != jobdomain.StatusError {
		return nil, nil
	}
	if failed.TTL <= 1 {
		d.log.Info("job exhausted its retry budget", "job_id", failed.ID, "type", failed.Type, "ttl", failed.TTL)
		return nil, nil
	}

	next := failed.Clone()
	next.TTL = failed.TTL - 1

	if err := d.repo.Insert(ctx, next); err != nil {
		return nil, err
	}

	_ = d.repo.AppendHistory(ctx, &jobdomain.HistoryEvent{
		JobID:   next.ID,
		Kind:    jobdomain.HistoryRetried,
		Message: "requeued after failure of " + failed.ID.String(),
	})

	d.log.Info("requeued failed job", "original_job_id", failed.ID, "new_job_id", next.ID, "ttl", next.TTL)
	return next, nil
}
