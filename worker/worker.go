// Package worker implements the BackupRun state machine and run lifecycle
// from section 4.3: PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED}.
// The worker is the sole writer of run/job state — engines return a
// structured result or a cancellation signal and never touch the
// metadata store themselves (section 7).
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/cancel"
	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/engine"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

// Worker owns the running-set (process-local map of in-flight runs) and
// drives every BackupRun through its state machine. Per Design Notes'
// note on global singletons, a Worker is constructed explicitly and
// threaded into the scheduler and API handlers rather than reached via
// package state.
type Worker struct {
	jobs    repositories.JobRepository
	runs    repositories.BackupRunRepository
	snaps   repositories.SnapshotRepository
	notifs  repositories.NotificationRepository
	objects *objectstore.Client
	logDir  string
	log     *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*cancel.Token // runID -> token
}

// New constructs a Worker. logDir is where per-run log files are written
// (section 5: "loggers are per-run, file handles owned by the run").
func New(
	jobs repositories.JobRepository,
	runs repositories.BackupRunRepository,
	snaps repositories.SnapshotRepository,
	notifs repositories.NotificationRepository,
	objects *objectstore.Client,
	logDir string,
	log *zap.Logger,
) *Worker {
	return &Worker{
		jobs:    jobs,
		runs:    runs,
		snaps:   snaps,
		notifs:  notifs,
		objects: objects,
		logDir:  logDir,
		log:     log,
		running: make(map[uuid.UUID]*cancel.Token),
	}
}

// RecoverOrphans transitions every run left RUNNING by a previous process
// to FAILED, per section 4.3 and invariant 3: "every RUNNING run that is
// not present in the worker's running-set after a process restart is
// transitioned to FAILED exactly once." Call this once at startup, before
// accepting new work.
func (w *Worker) RecoverOrphans(ctx context.Context) error {
	orphans, err := w.runs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("worker: list running runs: %w", err)
	}
	for i := range orphans {
		run := &orphans[i]
		now := time.Now().UTC()
		run.Status = metadata.RunFailed
		run.EndedAt = &now
		run.Error = "run interrupted by process restart"
		if err := w.runs.Update(ctx, run); err != nil {
			return fmt.Errorf("worker: recover orphan run %s: %w", run.ID, err)
		}
		if err := w.jobs.UpdateLastRunStatus(ctx, run.JobID, run.Status); err != nil {
			return fmt.Errorf("worker: recover orphan run %s: %w", run.ID, err)
		}
		w.log.Warn("worker: recovered orphan run", zap.String("run_id", run.ID.String()))
	}
	return nil
}

// Objects exposes the worker's object-store client for read-only use by
// callers outside the package — chiefly the API's verify handler, which
// needs to HEAD a recorded object without duplicating a second client.
func (w *Worker) Objects() *objectstore.Client {
	return w.objects
}

// HasRunning reports whether jobID currently has a run in the RUNNING
// state in the ledger (the in-memory running-set is not consulted) — the
// single-flight check from
// section 4.3 and invariant 2.
func (w *Worker) HasRunning(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return w.runs.HasRunningForJob(ctx, jobID)
}

// StartRun executes one BackupRun for job synchronously, driving it
// through PENDING -> RUNNING -> a terminal state. Callers that want
// fire-and-forget semantics should invoke this from their own goroutine;
// the worker does not manage its own background dispatch (Design Notes:
// "use a bounded queue with explicit handoff" is the caller's job, e.g.
// the scheduler's gocron task or the API's trigger handler).
func (w *Worker) StartRun(ctx context.Context, job *metadata.Job, encKey *encryption.Key) (*metadata.BackupRun, error) {
	run, err := w.createPendingRun(ctx, job)
	if err != nil {
		return nil, err
	}
	return w.execute(ctx, job, run, encKey)
}

// StartRunAsync creates the PENDING run row synchronously (so callers —
// chiefly the API's trigger handler — can respond immediately with its
// id and status) and runs the rest of the state machine in a detached
// goroutine, per Design Notes: "use a bounded queue with explicit
// handoff is the caller's job." The goroutine uses a context derived
// from context.Background(), not the request's, so the run survives the
// HTTP request that started it.
func (w *Worker) StartRunAsync(job *metadata.Job, encKey *encryption.Key) (*metadata.BackupRun, error) {
	run, err := w.createPendingRun(context.Background(), job)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := w.execute(context.Background(), job, run, encKey); err != nil {
			w.log.Error("worker: async run failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}()
	return run, nil
}

func (w *Worker) createPendingRun(ctx context.Context, job *metadata.Job) (*metadata.BackupRun, error) {
	has, err := w.HasRunning(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, fmt.Errorf("worker: job %s already has a running backup run", job.ID)
	}

	run := &metadata.BackupRun{JobID: job.ID, Status: metadata.RunPending}
	if err := w.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: create run: %w", err)
	}
	return run, nil
}

// execute drives run from PENDING through to a terminal state. Split out
// of StartRun so StartRunAsync can create the row synchronously and run
// the rest in the background without duplicating the state machine.
func (w *Worker) execute(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, encKey *encryption.Key) (*metadata.BackupRun, error) {
	tok := cancel.New(run.ID.String())
	w.registerRunning(run.ID, tok)
	defer w.unregisterRunning(run.ID)

	runLog, closeLog, err := newRunLogger(w.logDir, run.ID.String(), w.log)
	if err != nil {
		return nil, fmt.Errorf("worker: open run logger: %w", err)
	}
	defer closeLog()

	now := time.Now().UTC()
	run.Status = metadata.RunRunning
	run.StartedAt = &now
	if err := w.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: transition run to running: %w", err)
	}
	if err := w.jobs.UpdateLastRunStatus(ctx, job.ID, run.Status); err != nil {
		return nil, fmt.Errorf("worker: transition run to running: %w", err)
	}

	if err := engine.CheckDispatchable(engine.Kind(job.Kind)); err != nil {
		return w.finishFailed(ctx, job, run, err)
	}

	switch job.Kind {
	case metadata.JobKindArchive:
		return w.runArchive(ctx, job, run, tok, encKey, runLog)
	default:
		return w.runIncremental(ctx, job, run, tok, encKey, runLog)
	}
}

// CancelRun marks the run's token cancelled if it is in the running-set.
// A cancel against a run id not currently running is orphan cleanup: the
// run is re-read and, if still non-terminal, flipped straight to
// CANCELLED (section 5: "a cancel issued against a run not in the
// running-set is treated as orphan cleanup").
func (w *Worker) CancelRun(ctx context.Context, runID uuid.UUID) error {
	w.mu.Lock()
	tok, ok := w.running[runID]
	w.mu.Unlock()
	if ok {
		tok.Cancel()
		return nil
	}

	run, err := w.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("worker: cancel: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("worker: run %s is already in a terminal state (%s)", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = metadata.RunCancelled
	run.EndedAt = &now
	run.Cancelled = true
	if err := w.runs.Update(ctx, run); err != nil {
		return err
	}
	return w.jobs.UpdateLastRunStatus(ctx, run.JobID, run.Status)
}

func (w *Worker) registerRunning(runID uuid.UUID, tok *cancel.Token) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[runID] = tok
}

func (w *Worker) unregisterRunning(runID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, runID)
}
