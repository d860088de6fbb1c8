package childrunner

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	"github.com/ronhanson/jobmanager-agent/internal/registry"
	"github.com/ronhanson/jobmanager-agent/internal/repository/fake"
)

func TestParseArgs(t *testing.T) {
	id := uuid.New()
	args, err := ParseArgs([]string{id.String(), "3", "--config", "/etc/agent.yaml"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if args.JobID != id || args.SlotNumber != 3 || args.ConfigPath != "/etc/agent.yaml" {
		t.Fatalf("ParseArgs = %+v", args)
	}
}

func TestParseArgsRejectsTooFewArguments(t *testing.T) {
	if _, err := ParseArgs([]string{"only-one"}); err == nil {
		t.Fatal("expected error for missing slot number")
	}
}

type panicHandler struct{}

func (panicHandler) Type() string { return "panics" }
func (panicHandler) Run(_ *registry.RunContext) error {
	panic("boom")
}

func TestRunHandlerSafelyRecoversPanicAsNonzeroExitWithoutWritingStatus(t *testing.T) {
	repo := fake.New()
	job := &jobdomain.Job{ID: uuid.New(), Type: "panics", Status: jobdomain.StatusRunning, Payload: datatypes.JSON([]byte("{}"))}
	repo.Seed(job)

	log, err := logging.New("test")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	runCtx := registry.NewRunContext(context.Background(), job, repo)

	code := runHandlerSafely(log, runCtx, panicHandler{})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	// §4.5: the child never mutates terminal status itself; the parent's
	// error callback is the one that observes this nonzero exit and marks
	// the job error.
	if runCtx.Job.Status != jobdomain.StatusRunning {
		t.Fatalf("job status = %v, want unchanged (running)", runCtx.Job.Status)
	}
}

type okHandler struct{}

func (okHandler) Type() string                     { return "ok" }
func (okHandler) Run(_ *registry.RunContext) error { return nil }

func TestRunHandlerSafelyReturnsZeroWithoutWritingStatus(t *testing.T) {
	repo := fake.New()
	job := &jobdomain.Job{ID: uuid.New(), Type: "ok", Status: jobdomain.StatusRunning, Payload: datatypes.JSON([]byte("{}"))}
	repo.Seed(job)

	log, err := logging.New("test")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	runCtx := registry.NewRunContext(context.Background(), job, repo)

	code := runHandlerSafely(log, runCtx, okHandler{})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	// §4.5: a nil-returning handler that never called Succeed itself leaves
	// status exactly as it found it — the parent's success callback is what
	// sets status=success, driven by the observed exit code, not this call.
	if runCtx.Job.Status != jobdomain.StatusRunning {
		t.Fatalf("job status = %v, want unchanged (running)", runCtx.Job.Status)
	}
}

func TestRunHandlerSafelyPreservesHandlerWrittenStatus(t *testing.T) {
	repo := fake.New()
	job := &jobdomain.Job{ID: uuid.New(), Type: "self-reporting", Status: jobdomain.StatusRunning, Payload: datatypes.JSON([]byte("{}"))}
	repo.Seed(job)

	log, err := logging.New("test")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	runCtx := registry.NewRunContext(context.Background(), job, repo)

	code := runHandlerSafely(log, runCtx, selfSucceedingHandler{})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if runCtx.Job.Status != jobdomain.StatusSuccess {
		t.Fatalf("job status = %v, want success (handler wrote it itself)", runCtx.Job.Status)
	}
}

type selfSucceedingHandler struct{}

func (selfSucceedingHandler) Type() string { return "self-reporting" }
func (selfSucceedingHandler) Run(ctx *registry.RunContext) error {
	ctx.Succeed(map[string]any{"ok": true})
	return nil
}
