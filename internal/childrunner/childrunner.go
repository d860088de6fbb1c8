// Package childrunner implements the Child Runner's execution sequence
// (§4.5): ignore terminal signals, redirect logging to a per-process file,
// reconnect to storage, run the claimed job's handler, and report the
// outcome to the parent supervisor as the process exit code.
package childrunner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/ronhanson/jobmanager-agent/internal/config"
	"github.com/ronhanson/jobmanager-agent/internal/db"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	"github.com/ronhanson/jobmanager-agent/internal/registry"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
)

// Args are the parsed positional/flag arguments the supervisor passes to
// the child runner binary (§4.5: "(job_id, slot_number, config) only" —
// never parent in-memory state, per Design Notes §9).
type Args struct {
	JobID      uuid.UUID
	SlotNumber int
	ConfigPath string
}

// ParseArgs parses argv[1:] into Args, matching the (job-id, slot-number,
// --config path) shape internal/childproc.ExecSpawner invokes this binary
// with.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 2 {
		return Args{}, fmt.Errorf("usage: childrunner <job-id> <slot-number> --config <path>")
	}
	jobID, err := uuid.Parse(argv[0])
	if err != nil {
		return Args{}, fmt.Errorf("parsing job id: %w", err)
	}
	slotNumber, err := strconv.Atoi(argv[1])
	if err != nil {
		return Args{}, fmt.Errorf("parsing slot number: %w", err)
	}
	configPath := ""
	for i := 2; i < len(argv); i++ {
		if argv[i] == "--config" && i+1 < len(argv) {
			configPath = argv[i+1]
		}
	}
	return Args{JobID: jobID, SlotNumber: slotNumber, ConfigPath: configPath}, nil
}

// Run executes the full Child Runner sequence and returns the process exit
// code the parent supervisor should interpret (0 success, non-zero
// failure). reg must already have every configured job type registered —
// Run does not load plugins, it only dispatches (§9: no dynamic loading).
func Run(ctx context.Context, args Args, reg *registry.Registry) int {
	// Step 1: a child has its own process group (set by the spawner); it
	// additionally ignores the two signals a controlling terminal might
	// deliver, since termination of this job is the supervisor's call via
	// timeout enforcement, not an incidental Ctrl-C to the parent.
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP)

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "childrunner: loading config: %v\n", err)
		return 1
	}

	// Step 2: redirect this process's own logger to a per-process file, if
	// one is configured, so parent and child logs don't interleave.
	log, err := newChildLogger(cfg, args.SlotNumber)
	if err != nil {
		fmt.Fprintf(os.Stderr, "childrunner: init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	// Step 3: reconnect to storage. The child does not inherit the parent's
	// DB handle (a forked-process-style "reconnect after fork" pattern,
	// carried over from the original implementation this was distilled
	// from) — it opens its own connection.
	gdb, err := db.Open(cfg)
	if err != nil {
		log.Error("failed to connect to storage", "error", err)
		return 1
	}
	repo := repository.NewPostgres(gdb, log)

	job, err := repo.Reload(ctx, args.JobID)
	if err != nil {
		log.Error("failed to reload job", "job_id", args.JobID, "error", err)
		return 1
	}
	if job == nil {
		log.Error("job not found", "job_id", args.JobID)
		return 1
	}

	handler, ok := reg.Get(job.Type)
	if !ok {
		log.Error("no handler registered for job type", "job_id", job.ID, "type", job.Type)
		_, _ = repo.UpdateStatusUnlessTerminal(ctx, job.ID, jobdomain.StatusError, map[string]interface{}{
			"status_text": "dispatch",
			"details":     fmt.Sprintf("no handler registered for type %q", job.Type),
		})
		return 1
	}

	// Step 4: run, with panic recovery converting an unexpected panic into
	// a nonzero exit instead of a bare crash with no recorded reason.
	//
	// Step 5: on normal return exit 0, on error or panic exit 1. Apart from
	// the no-handler case above, which records a dispatch error on the job
	// itself before exiting 1, this process does NOT write the job's
	// terminal status — exit code is its channel back to the parent
	// (§4.5). A handler MAY still
	// call RunContext.Succeed/Fail itself as part of its own run() logic
	// (e.g. to record a typed result payload); the parent's success/error
	// callback is idempotent against that (§4.6, §8 S6) and never clobbers
	// a status the handler already wrote.
	runCtx := registry.NewRunContext(ctx, job, repo)
	return runHandlerSafely(log, runCtx, handler)
}

func runHandlerSafely(log *logging.Logger, runCtx *registry.RunContext, handler registry.JobHandler) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", "job_id", runCtx.Job.ID, "type", runCtx.Job.Type, "panic", r)
			exitCode = 1
		}
	}()

	if err := handler.Run(runCtx); err != nil {
		log.Error("job handler returned error", "job_id", runCtx.Job.ID, "type", runCtx.Job.Type, "error", err)
		return 1
	}
	return 0
}

// newChildLogger reopens logging against a per-process file derived from
// cfg.LogFile (§4.5 step 2, §6), e.g. "/var/log/jobagent/agent.log" becomes
// "/var/log/jobagent/agent.process-03.log" for slot 3. With no log file
// configured, it logs to stdout/stderr like the parent.
func newChildLogger(cfg *config.Config, slotNumber int) (*logging.Logger, error) {
	if cfg.LogFile == "" {
		log, err := logging.New("production")
		if err != nil {
			return nil, err
		}
		return log.With("component", "ChildRunner", "slot", slotNumber), nil
	}

	path := childLogPath(cfg.LogFile, slotNumber)
	log, err := logging.NewToFile("production", path)
	if err != nil {
		return nil, err
	}
	return log.With("component", "ChildRunner", "slot", slotNumber), nil
}

func childLogPath(base string, slotNumber int) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s.process-%02d%s", stem, slotNumber, ext)
}
