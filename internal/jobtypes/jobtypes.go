// Package jobtypes ships a handful of minimal job-type handlers used by
// tests and local manual runs. Real job-execution code is out of scope for
// this repo (§1); these exist only so the registry and Child Runner have
// something concrete to dispatch to end to end.
package jobtypes

import (
	"fmt"
	"time"

	"github.com/ronhanson/jobmanager-agent/internal/registry"
)

// Noop succeeds immediately with the result {"ok": true}. Useful as a smoke test for
// the claim -> spawn -> callback path.
type Noop struct{}

func (Noop) Type() string { return "noop" }
func (Noop) Run(ctx *registry.RunContext) error {
	ctx.Succeed(map[string]any{"ok": true})
	return nil
}

// Sleep blocks for a payload-specified duration (field "sleep_seconds",
// default 1s) before succeeding. Used to exercise the supervisor's timeout
// enforcement in tests: set sleep_seconds longer than the job's timeout.
type Sleep struct{}

func (Sleep) Type() string { return "sleep" }
func (Sleep) Run(ctx *registry.RunContext) error {
	seconds := 1
	if v, ok := ctx.Payload()["sleep_seconds"]; ok {
		if f, ok := v.(float64); ok {
			seconds = int(f)
		}
	}
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		ctx.Succeed(map[string]any{"slept_seconds": seconds})
		return nil
	case <-ctx.Ctx.Done():
		return ctx.Ctx.Err()
	}
}

// Fail always returns a deterministic error, exercising the retry
// duplicator's re-queue path in tests.
type Fail struct{}

func (Fail) Type() string { return "fail" }
func (Fail) Run(ctx *registry.RunContext) error {
	err := fmt.Errorf("scripted failure")
	ctx.Fail("run", err.Error())
	return err
}
