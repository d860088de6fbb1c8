package registry

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/pkg/pointers"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
)

// RunContext is the capability-scoped handle a JobHandler gets for the
// duration of one job run, grounded on this codebase's existing
// "handlers never touch the row directly" convention. It wraps the decoded
// payload and the only sanctioned ways to report progress or terminate
// (§4.5 step 4/5, §4.6).
type RunContext struct {
	Ctx  context.Context
	Job  *jobdomain.Job
	Repo repository.Repository

	payload map[string]any
}

// NewRunContext builds a RunContext for job, eagerly decoding its payload.
func NewRunContext(ctx context.Context, job *jobdomain.Job, repo repository.Repository) *RunContext {
	rc := &RunContext{Ctx: ctx, Job: job, Repo: repo}
	rc.decodePayload()
	return rc
}

func (c *RunContext) decodePayload() {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return
	}
	c.payload = m
}

// Payload returns the decoded job payload, never nil.
func (c *RunContext) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// Progress reports a non-terminal completion percentage and status text
// (§3 Job.completion/status_text), guarded by the same idempotence rule as
// terminal transitions so a canceled/timed-out job is not resurrected by a
// late progress write racing the supervisor's timeout sweep.
func (c *RunContext) Progress(completion int, statusText string) {
	if c == nil || c.Job == nil || c.Repo == nil {
		return
	}
	_, _ = c.Repo.UpdateStatusUnlessTerminal(c.Ctx, c.Job.ID, jobdomain.StatusRunning, map[string]interface{}{
		"completion":  completion,
		"status_text": statusText,
	})
	c.Job.Completion = completion
	c.Job.StatusText = statusText
}

// Succeed marks the job Success and stores result (§4.6). It is idempotent:
// if the job already reached a terminal status (e.g. the supervisor already
// timed it out), the write is rejected and no notification fires.
func (c *RunContext) Succeed(result any) bool {
	if c == nil || c.Job == nil || c.Repo == nil {
		return false
	}
	now := time.Now().UTC()
	var res datatypes.JSON
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			res = datatypes.JSON(b)
		}
	}
	applied, _ := c.Repo.UpdateStatusUnlessTerminal(c.Ctx, c.Job.ID, jobdomain.StatusSuccess, map[string]interface{}{
		"completion": 100,
		"result":     res,
		"finished":   now,
	})
	if applied {
		c.Job.Status = jobdomain.StatusSuccess
		c.Job.Completion = 100
		c.Job.Result = res
		c.Job.Finished = pointers.Ptr(now)
	}
	return applied
}

// Fail marks the job Error and records the failure text (§4.6), subject to
// the same idempotence guard as Succeed.
func (c *RunContext) Fail(statusText, details string) bool {
	if c == nil || c.Job == nil || c.Repo == nil {
		return false
	}
	now := time.Now().UTC()
	applied, _ := c.Repo.UpdateStatusUnlessTerminal(c.Ctx, c.Job.ID, jobdomain.StatusError, map[string]interface{}{
		"status_text": statusText,
		"details":     details,
		"finished":    now,
	})
	if applied {
		c.Job.Status = jobdomain.StatusError
		c.Job.StatusText = statusText
		c.Job.Details = details
		c.Job.Finished = pointers.Ptr(now)
	}
	return applied
}
