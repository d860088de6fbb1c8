// Package childproc spawns and supervises the OS child process that runs a
// single claimed job, grounded on this retrieval pack's daemon-pool spawn
// pattern: own process group, exit-code extraction via *exec.ExitError, and
// owner-only per-child log files.
package childproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
)

// Process is the handle the supervisor uses to wait on a spawned child.
// Narrowing to an interface (rather than *exec.Cmd directly) is the seam
// that lets supervisor tests substitute a fake without starting real OS
// processes.
type Process interface {
	// Wait blocks until the process exits and returns its exit error (nil
	// on a clean exit).
	Wait() error
	// PID returns the OS process ID.
	PID() int
	// Kill forcibly terminates the process (used by the timeout enforcer).
	Kill() error
}

type execProcess struct{ cmd *exec.Cmd }

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// Spawner starts the Child Runner binary for one job. Tests substitute a
// fake implementation; production wiring uses ExecSpawner.
type Spawner func(ctx context.Context, childRunnerPath string, jobID uuid.UUID, slotNumber int, configPath string, logDir string) (Process, error)

// ExecSpawner execs childRunnerPath as a real OS process with argv
// (job-id, slot-number, --config <path>), its own process group (so
// terminal signals delivered to the agent don't reach children, per §4.5
// step 1's "ignore SIGINT/SIGHUP" being the child's own, separate policy),
// and a dedicated per-job log file.
func ExecSpawner(ctx context.Context, childRunnerPath string, jobID uuid.UUID, slotNumber int, configPath string, logDir string) (Process, error) {
	logFile, err := openLogFile(logDir, jobID)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, childRunnerPath,
		jobID.String(),
		strconv.Itoa(slotNumber),
		"--config", configPath,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting child runner for job %s: %w", jobID, err)
	}

	return &execProcess{cmd: cmd}, nil
}

// ExitCode extracts a process exit code from the error Wait() returned,
// following the same *exec.ExitError type-assertion the rest of this
// codebase's process-supervision code uses. -1 signals the process was
// killed or exited in a way with no recoverable code (e.g. a signal).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func logFilePath(logDir string, jobID uuid.UUID) string {
	return filepath.Join(logDir, jobID.String()+".log")
}

func openLogFile(logDir string, jobID uuid.UUID) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating child log directory %s: %w", logDir, err)
	}
	path := logFilePath(logDir, jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening child log file %s: %w", path, err)
	}
	return f, nil
}
