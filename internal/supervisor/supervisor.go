// Package supervisor implements the Job Supervisor (§4.4): a ticker-driven
// loop that claims eligible jobs, spawns one OS child process per job,
// enforces per-job timeouts, and reaps finished children back into the slot
// pool — generalizing this codebase's in-process worker.runLoop into an
// out-of-process child-process model per the spec's re-architecture notes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ronhanson/jobmanager-agent/internal/childproc"
	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	pkgerrors "github.com/ronhanson/jobmanager-agent/internal/pkg/errors"
	"github.com/ronhanson/jobmanager-agent/internal/platform/ctxutil"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
	"github.com/ronhanson/jobmanager-agent/internal/retry"
	"github.com/ronhanson/jobmanager-agent/internal/slots"
	"github.com/ronhanson/jobmanager-agent/internal/telemetry"
)

var tracer = otel.Tracer("jobmanager-agent/supervisor")

// ChildHandle tracks one spawned child process end to end (§3). It is an
// explicit struct rather than a closure capturing parent state, per Design
// Notes §9 — nothing reaches back into supervisor internals except through
// these fields.
type ChildHandle struct {
	JobID      uuid.UUID
	JobType    string
	SlotNumber int
	Process    childproc.Process
	StartTime  time.Time
	Timeout    time.Duration
}

// childResult is what a per-child reap goroutine reports back to the tick
// loop once its process exits.
type childResult struct {
	handle   ChildHandle
	waitErr  error
	exitCode int
}

// Config bundles a Supervisor's fixed wiring: how it spawns children and
// where they report.
type Config struct {
	Hostname        string
	ChildRunnerPath string
	ConfigPath      string
	LogDir          string
	TickInterval    time.Duration
	Spawn           childproc.Spawner
}

// Supervisor runs the claim -> spawn -> timeout -> reap tick (§4.4).
type Supervisor struct {
	cfg     Config
	repo    repository.Repository
	pool    *slots.Pool
	duper   *retry.Duplicator
	log     *logging.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	children map[uuid.UUID]*ChildHandle
	results  chan childResult
}

func New(cfg Config, repo repository.Repository, pool *slots.Pool, duper *retry.Duplicator, baseLog *logging.Logger, metrics *telemetry.Metrics) *Supervisor {
	if cfg.Spawn == nil {
		cfg.Spawn = childproc.ExecSpawner
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		repo:     repo,
		pool:     pool,
		duper:    duper,
		log:      baseLog.With("component", "Supervisor"),
		metrics:  metrics,
		children: make(map[uuid.UUID]*ChildHandle),
		results:  make(chan childResult, 64),
	}
}

// Run blocks ticking until ctx is cancelled or a tick reports a permanent
// schema error, matching the rest of this codebase's ctx-cancelled-goroutine
// convention (§9: native timer, not an ad-hoc thread/cancellation-event
// pair) — the permanent-error return lets the errgroup driving this
// supervisor cancel its sibling goroutines instead of spinning forever
// against a broken schema.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return nil
		case res := <-s.results:
			s.reap(ctx, res)
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick performs the four-step cycle (§4.4): sweep timeouts and drain any
// already-queued reap results, claim and spawn until availability is
// exhausted, then throttle. It returns an error only when claiming hit a
// permanent schema problem the agent should stop over.
func (s *Supervisor) tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "supervisor.tick")
	defer span.End()

	s.sweepTimeouts(ctx)
	s.drainResults(ctx)
	claims, err := s.claimAndSpawn(ctx)
	if err != nil {
		return err
	}
	s.throttle(ctx, claims)
	return nil
}

// claimAndSpawn repeatedly claims and spawns jobs while the slot pool still
// has availability, rather than claiming at most one job per tick (§4.4
// step b: "While total availability > 0: call claim_one... loop terminates
// when none returned or availability is exhausted"). It returns how many
// jobs it claimed this tick, which the caller uses to scale the throttle
// sleep (step d).
func (s *Supervisor) claimAndSpawn(ctx context.Context) (int, error) {
	claims := 0
	for len(s.pool.EligibleTypes()) > 0 {
		claimed, err := s.claimAndSpawnOne(ctx)
		if err != nil {
			return claims, err
		}
		if !claimed {
			break
		}
		claims++
	}
	return claims, nil
}

// claimAndSpawnOne claims and spawns at most one job. It returns whether a
// job was actually claimed (false means the claim loop should stop: nothing
// eligible was pending, or the claim failed transiently this tick).
func (s *Supervisor) claimAndSpawnOne(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "supervisor.claim_and_spawn")
	defer span.End()

	eligible := s.pool.EligibleTypes()
	job, err := s.repo.ClaimOne(ctx, eligible, s.cfg.Hostname)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrNoEligibleTypes):
			// No free slots this tick; not worth a log line every 5s.
		case errors.Is(err, pkgerrors.ErrPermanentSchema):
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent schema error")
			s.log.Error("permanent schema error claiming jobs, stopping supervisor", "error", err)
			return false, err
		case errors.Is(err, pkgerrors.ErrTransient):
			span.RecordError(err)
			s.log.Warn("transient claim error, retrying next tick", "error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			s.log.Warn("claim failed", "error", err)
		}
		return false, nil
	}
	if job == nil {
		return false, nil
	}
	span.SetAttributes(attribute.String("job.id", job.ID.String()), attribute.String("job.type", job.Type))
	if s.metrics != nil {
		s.metrics.JobsClaimed.Inc()
	}

	slotNumber, err := s.pool.Acquire(job.Type)
	if err != nil {
		// Shouldn't happen: ClaimOne only claimed eligible types, which by
		// definition had a free slot a moment ago. Mark the job Error so it is
		// not left stuck Running forever; no retry duplicate is queued for it.
		s.log.Error("no slot available for claimed job, failing back", "job_id", job.ID, "type", job.Type, "error", err)
		s.finish(ctx, job.ID, job.Type, 0, jobdomain.StatusError, "dispatch", "no slot available after claim")
		return true, nil
	}
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{JobID: job.ID, SlotNumber: slotNumber})

	proc, err := s.cfg.Spawn(ctx, s.cfg.ChildRunnerPath, job.ID, slotNumber, s.cfg.ConfigPath, s.cfg.LogDir)
	if err != nil {
		s.log.Error("failed to spawn child", "job_id", job.ID, "type", job.Type, "error", err)
		s.pool.Release(job.Type, slotNumber)
		s.finish(ctx, job.ID, job.Type, slotNumber, jobdomain.StatusError, "spawn", err.Error())
		return true, nil
	}

	handle := &ChildHandle{
		JobID:      job.ID,
		JobType:    job.Type,
		SlotNumber: slotNumber,
		Process:    proc,
		StartTime:  time.Now().UTC(),
		Timeout:    time.Duration(job.Timeout) * time.Second,
	}
	s.mu.Lock()
	s.children[job.ID] = handle
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobsSpawned.Inc()
		s.metrics.ChildrenActive.Inc()
	}
	s.log.Info("spawned child", "job_id", job.ID, "type", job.Type, "slot", slotNumber, "pid", proc.PID())

	go s.waitForExit(*handle)
	return true, nil
}

// throttle sleeps loop_duration * claims / 10 after a tick that claimed at
// least one job (§4.4 step d), desynchronizing hosts that would otherwise
// all tick in lockstep and hammer claim_one at the same instant.
func (s *Supervisor) throttle(ctx context.Context, claims int) {
	if claims <= 0 {
		return
	}
	sleep := time.Duration(float64(s.cfg.TickInterval) * float64(claims) / 10)
	if sleep <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(sleep):
	}
}

// waitForExit blocks on the child's process exit and reports the result
// back to the tick loop's results channel — the same wait-in-a-goroutine
// pattern this retrieval pack's daemon supervision code uses, adapted so
// the tick loop (not the goroutine) owns all shared-state mutation.
func (s *Supervisor) waitForExit(handle ChildHandle) {
	err := handle.Process.Wait()
	s.results <- childResult{handle: handle, waitErr: err, exitCode: childproc.ExitCode(err)}
}

// sweepTimeouts kills and fails any child that has exceeded its job's
// configured timeout (§4.4 step c, §3 Job.timeout).
func (s *Supervisor) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	var timedOut []ChildHandle
	s.mu.Lock()
	for _, h := range s.children {
		if h.Timeout > 0 && now.Sub(h.StartTime) > h.Timeout {
			timedOut = append(timedOut, *h)
		}
	}
	s.mu.Unlock()

	for _, h := range timedOut {
		s.log.Warn("job exceeded timeout, killing child", "job_id", h.JobID, "type", h.JobType, "timeout", h.Timeout)
		_ = h.Process.Kill()
		if s.metrics != nil {
			s.metrics.JobsTimedOut.Inc()
		}
		// The process's own waitForExit goroutine will still report back
		// through results once Kill causes it to exit; nothing further to
		// do here than record the intent to terminate.
	}
}

// drainResults processes any reap results already queued without blocking,
// so a tick never stalls waiting on a still-running child.
func (s *Supervisor) drainResults(ctx context.Context) {
	for {
		select {
		case res := <-s.results:
			s.reap(ctx, res)
		default:
			return
		}
	}
}

// reap finalizes one exited child: releases its slot, then invokes the
// parent's exit-code-driven success or error callback (§4.4 step a.3, §4.5):
// the Child Runner never mutates terminal status on its own default path,
// so the exit code — not whatever status the job row happens to hold — is
// what decides the outcome here. UpdateStatusUnlessTerminal's idempotence
// guard makes this safe even against a handler that already wrote its own
// terminal status mid-run (§8 S6).
func (s *Supervisor) reap(ctx context.Context, res childResult) {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{JobID: res.handle.JobID, SlotNumber: res.handle.SlotNumber})
	ctx, span := tracer.Start(ctx, "supervisor.reap",
		trace.WithAttributes(attribute.String("job.id", res.handle.JobID.String()), attribute.String("job.type", res.handle.JobType)))
	defer span.End()

	s.mu.Lock()
	delete(s.children, res.handle.JobID)
	s.mu.Unlock()

	s.pool.Release(res.handle.JobType, res.handle.SlotNumber)
	if s.metrics != nil {
		s.metrics.ChildrenActive.Dec()
	}

	s.log.Info("child exited", "job_id", res.handle.JobID, "type", res.handle.JobType, "exit_code", res.exitCode)

	if res.exitCode == 0 {
		s.successCallback(ctx, res.handle.JobID)
	} else {
		s.errorCallback(ctx, res.handle.JobID, res.exitCode)
	}

	job, err := s.repo.Reload(ctx, res.handle.JobID)
	if err != nil {
		s.log.Error("failed to reload job after child exit", "job_id", res.handle.JobID, "error", err)
		return
	}
	if job == nil {
		return
	}

	if job.Status == jobdomain.StatusError {
		if next, err := s.duper.Requeue(ctx, job); err != nil {
			s.log.Error("failed to requeue failed job", "job_id", job.ID, "error", err)
		} else if next != nil && s.metrics != nil {
			s.metrics.JobsRetried.Inc()
		}
	}
}

// successCallback performs the terminal write for a child that exited 0
// (§4.6): status=success, the literal status text, full completion, and a
// finished timestamp.
func (s *Supervisor) successCallback(ctx context.Context, jobID uuid.UUID) {
	now := time.Now().UTC()
	_, err := s.repo.UpdateStatusUnlessTerminal(ctx, jobID, jobdomain.StatusSuccess, map[string]interface{}{
		"status_text": "Job Successful",
		"completion":  100,
		"finished":    now,
	})
	if err != nil {
		s.log.Error("failed to apply success callback", "job_id", jobID, "error", err)
	}
}

// errorCallback performs the terminal write for a child that exited
// non-zero (§4.6): status=error with the literal exit-code-bearing status
// text and details.
func (s *Supervisor) errorCallback(ctx context.Context, jobID uuid.UUID, exitCode int) {
	now := time.Now().UTC()
	_, err := s.repo.UpdateStatusUnlessTerminal(ctx, jobID, jobdomain.StatusError, map[string]interface{}{
		"status_text": fmt.Sprintf("Error - exitcode=%d", exitCode),
		"details":     fmt.Sprintf("Error (callback) : exitcode=%d", exitCode),
		"finished":    now,
	})
	if err != nil {
		s.log.Error("failed to apply error callback", "job_id", jobID, "error", err)
	}
}

// finish applies a terminal status transition directly (used for failures
// the supervisor itself detects, before or without ever starting a child).
func (s *Supervisor) finish(ctx context.Context, jobID uuid.UUID, jobType string, slotNumber int, status jobdomain.Status, stage, details string) {
	if td := ctxutil.GetTraceData(ctx); td != nil {
		s.log.Debug("finalizing job", "job_id", td.JobID, "slot", td.SlotNumber, "status", status, "stage", stage)
	}
	_, err := s.repo.UpdateStatusUnlessTerminal(ctx, jobID, status, map[string]interface{}{
		"status_text": stage,
		"details":     details,
	})
	if err != nil {
		s.log.Error("failed to finalize job status", "job_id", jobID, "status", status, "error", err)
	}
}

// Shutdown terminates and bounded-joins every currently active child,
// without attempting to flush their jobs' statuses (§4.8: "do not attempt
// to flush their jobs' statuses" — they're left Running, and nothing in
// this package reclaims them). It kills each child the same way
// sweepTimeouts does (§5: "Agent shutdown cancels all children the same
// way"), but unlike a timed-out child, whose exit goes through reap and the
// error callback, a shutdown-killed child only has its slot released.
//
// Callers must stop the Status Ticker and the supervisor's own tick loop
// before calling Shutdown, so nothing else is concurrently mutating
// s.children or draining s.results (§4.8: "stop Status Ticker first").
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	handles := make([]*ChildHandle, 0, len(s.children))
	for _, h := range s.children {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	s.log.Info("shutting down, terminating active children", "count", len(handles))
	for _, h := range handles {
		if err := h.Process.Kill(); err != nil {
			s.log.Warn("failed to signal child during shutdown", "job_id", h.JobID, "error", err)
		}
	}

	deadline := time.After(grace)
	remaining := len(handles)
	for remaining > 0 {
		select {
		case res := <-s.results:
			s.mu.Lock()
			delete(s.children, res.handle.JobID)
			s.mu.Unlock()
			s.pool.Release(res.handle.JobType, res.handle.SlotNumber)
			if s.metrics != nil {
				s.metrics.ChildrenActive.Dec()
			}
			remaining--
		case <-deadline:
			s.log.Warn("shutdown grace period elapsed with children still exiting", "remaining", remaining)
			return
		}
	}
}
