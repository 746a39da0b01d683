package scheduler

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
)

// runner is the subset of *worker.Worker the scheduler drives. Declared
// here rather than imported so scheduler never depends on worker's running-
// set internals, only on the single entry point it dispatches through.
type runner interface {
	StartRun(ctx context.Context, job *metadata.Job, encKey *encryption.Key) (*metadata.BackupRun, error)
}

// Scheduler wraps gocron.Scheduler and keeps exactly one registered job per
// enabled Job row, tagged by the job's UUID for later removal, same as
// arkeep's scheduler.Scheduler keys jobs by policy UUID.
type Scheduler struct {
	cron       gocron.Scheduler
	jobs       repositories.JobRepository
	run        runner
	passphrase string
	log        *zap.Logger
}

// New constructs a Scheduler. passphrase is the single process-wide
// encryption passphrase (Design Notes open question 4); it may be empty if
// no job in the ledger has Encrypted set.
func New(jobs repositories.JobRepository, run runner, passphrase string, log *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:       cron,
		jobs:       jobs,
		run:        run,
		passphrase: passphrase,
		log:        log.Named("scheduler"),
	}, nil
}

// Start loads every enabled job from the ledger, registers it, and starts
// the underlying gocron scheduler. Call once at process startup, after
// worker.RecoverOrphans.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled jobs: %w", err)
	}
	for i := range enabled {
		if err := s.addJob(&enabled[i]); err != nil {
			s.log.Error("scheduler: failed to schedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.String("job_name", enabled[i].Name),
				zap.Error(err))
		}
	}
	s.log.Info("scheduler: started", zap.Int("jobs_scheduled", len(enabled)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight tick
// handler to return before returning itself.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("scheduler: stopped")
	return nil
}

// AddJob registers job, replacing any existing registration for the same
// id (section 4.7: "add_job replaces any existing registration for the
// same job id"). Safe to call while the scheduler is running.
func (s *Scheduler) AddJob(job *metadata.Job) error {
	s.cron.RemoveByTags(job.ID.String())
	if !job.Enabled {
		s.log.Info("scheduler: job disabled, not scheduling", zap.String("job_id", job.ID.String()))
		return nil
	}
	if err := s.addJob(job); err != nil {
		return fmt.Errorf("scheduler: add job %s: %w", job.ID, err)
	}
	s.log.Info("scheduler: job registered",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule))
	return nil
}

// RemoveJob deregisters job, per section 4.7: "Deletion removes from
// scheduler."
func (s *Scheduler) RemoveJob(jobID uuid.UUID) {
	s.cron.RemoveByTags(jobID.String())
	s.log.Info("scheduler: job removed", zap.String("job_id", jobID.String()))
}

// TriggerNow runs job immediately and synchronously, bypassing its cron
// schedule. The API's manual-trigger endpoint does not use it; that
// handler calls worker.StartRunAsync directly.
func (s *Scheduler) TriggerNow(ctx context.Context, job *metadata.Job) (*metadata.BackupRun, error) {
	key, err := s.resolveKey(job)
	if err != nil {
		return nil, err
	}
	return s.run.StartRun(ctx, job, key)
}

// NextFireTime returns the next scheduled tick for jobID, per section 4.7's
// `next_fire_time(job_id)`. Returns the zero time if jobID is not currently
// registered (e.g. disabled).
func (s *Scheduler) NextFireTime(jobID uuid.UUID) time.Time {
	for _, j := range s.cron.Jobs() {
		for _, tag := range j.Tags() {
			if tag == jobID.String() {
				next, err := j.NextRun()
				if err != nil {
					return time.Time{}
				}
				return next
			}
		}
	}
	return time.Time{}
}

// addJob registers job as a gocron job in singleton-reschedule mode, so a
// tick arriving while the previous run is still executing is skipped and
// the job waits for its next scheduled time, rather than being queued or
// overlapped, per invariant "at most one RUNNING run
// at any time" (section 5) — grounded in arkeep's addJob.
func (s *Scheduler) addJob(job *metadata.Job) error {
	parsed := ParseSchedule(job.Schedule, s.log)

	var jobDef gocron.JobDefinition
	switch parsed.Kind {
	case KindInterval:
		jobDef = gocron.DurationJob(parsed.Interval)
	default:
		jobDef = gocron.CronJob(parsed.Cron, false)
	}

	_, err := s.cron.NewJob(
		jobDef,
		gocron.NewTask(func(jobID uuid.UUID) {
			// Re-fetch the job at tick time rather than close over the
			// snapshot passed to addJob — its schedule, enabled state, or
			// encryption settings may have changed since registration,
			// same rationale as arkeep's addJob re-fetching destinations.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			s.runTick(ctx, jobID)
		}, job.ID),
		gocron.WithTags(job.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

func (s *Scheduler) runTick(ctx context.Context, jobID uuid.UUID) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		s.log.Error("scheduler: tick: job lookup failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}
	if !job.Enabled {
		return
	}

	key, err := s.resolveKey(job)
	if err != nil {
		s.log.Error("scheduler: tick: key derivation failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	run, err := s.run.StartRun(ctx, job, key)
	if err != nil {
		s.log.Error("scheduler: tick: run failed to start", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	next := s.NextFireTime(jobID)
	if err := s.jobs.UpdateScheduleState(ctx, jobID, &now, &next); err != nil {
		s.log.Warn("scheduler: failed to record schedule state", zap.String("job_id", jobID.String()), zap.Error(err))
	}
	s.log.Info("scheduler: run completed",
		zap.String("job_id", jobID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)))
}

// resolveKey derives job's encryption key from the process passphrase and
// the job's stored salt, or returns nil if job.Encrypted is false.
func (s *Scheduler) resolveKey(job *metadata.Job) (*encryption.Key, error) {
	if !job.Encrypted {
		return nil, nil
	}
	salt, err := base64.StdEncoding.DecodeString(job.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("scheduler: decode encryption salt for job %s: %w", job.ID, err)
	}
	key := encryption.DeriveKey(s.passphrase, salt)
	return &key, nil
}
