// Package fake provides an in-memory Repository for unit tests that
// exercise the supervisor/retry/registry layers without a real Postgres
// instance, mirroring this codebase's fake-dependency test style.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	pkgerrors "github.com/ronhanson/jobmanager-agent/internal/pkg/errors"
)

type Repository struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*jobdomain.Job
	history []*jobdomain.HistoryEvent
	hosts   map[string]*jobdomain.Host
}

func New() *Repository {
	return &Repository{
		jobs:  make(map[uuid.UUID]*jobdomain.Job),
		hosts: make(map[string]*jobdomain.Host),
	}
}

// Seed inserts jobs directly, bypassing Insert's side effects, for test
// setup convenience.
func (r *Repository) Seed(jobs ...*jobdomain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		cp := *j
		r.jobs[j.ID] = &cp
	}
}

func (r *Repository) ClaimOne(_ context.Context, eligibleTypes []string, hostname string) (*jobdomain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(eligibleTypes) == 0 {
		return nil, pkgerrors.ErrNoEligibleTypes
	}
	allowed := make(map[string]struct{}, len(eligibleTypes))
	for _, t := range eligibleTypes {
		allowed[t] = struct{}{}
	}

	var candidates []*jobdomain.Job
	for _, j := range r.jobs {
		if j.Status != jobdomain.StatusPending {
			continue
		}
		if _, ok := allowed[j.Type]; !ok {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Created.Before(candidates[j].Created) })

	picked := candidates[0]
	now := time.Now().UTC()
	picked.Status = jobdomain.StatusRunning
	picked.Hostname = hostname
	picked.Started = &now

	cp := *picked
	return &cp, nil
}

func (r *Repository) Reload(_ context.Context, id uuid.UUID) (*jobdomain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *Repository) Save(_ context.Context, job *jobdomain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *Repository) Insert(_ context.Context, job *jobdomain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Created.IsZero() {
		job.Created = time.Now().UTC()
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *Repository) UpdateStatusUnlessTerminal(_ context.Context, id uuid.UUID, status jobdomain.Status, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status == jobdomain.StatusSuccess || j.Status == jobdomain.StatusError {
		return false, nil
	}
	j.Status = status
	if v, ok := fields["status_text"].(string); ok {
		j.StatusText = v
	}
	if v, ok := fields["details"].(string); ok {
		j.Details = v
	}
	if v, ok := fields["completion"].(int); ok {
		j.Completion = v
	}
	if v, ok := fields["finished"].(time.Time); ok {
		j.Finished = &v
	}
	return true, nil
}

func (r *Repository) AppendHistory(_ context.Context, event *jobdomain.HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, event)
	return nil
}

func (r *Repository) RunningOlderThan(_ context.Context, cutoff time.Time) ([]*jobdomain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*jobdomain.Job
	for _, j := range r.jobs {
		if j.Status == jobdomain.StatusRunning && j.Started != nil && j.Started.Before(cutoff) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *Repository) UpsertHostStatus(_ context.Context, host *jobdomain.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *host
	r.hosts[host.Hostname] = &cp
	return nil
}

// History returns a snapshot of every history event appended so far, for
// test assertions.
func (r *Repository) History() []*jobdomain.HistoryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*jobdomain.HistoryEvent, len(r.history))
	copy(out, r.history)
	return out
}

// Jobs returns a snapshot of every job currently stored, for test
// assertions.
func (r *Repository) Jobs() []*jobdomain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*jobdomain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// Host returns the stored status row for hostname, if any, for test
// assertions.
func (r *Repository) Host(hostname string) (*jobdomain.Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[hostname]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}
