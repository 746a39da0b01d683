// Package metadata stores the operational ledger described in section 3 of
// the design specification: jobs, runs, snapshots, storage metrics. It is
// never the source of truth for file contents or file-level state — that
// lives in the manifest, in the object store. The ledger tracks what
// happened and when; the manifest tracks what is there now.
package metadata

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every model. ID uses UUID v7
// (time-ordered) so that primary-key order matches insertion order without
// a secondary sort on CreatedAt.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUID v7 if the caller hasn't already set one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// JobKind distinguishes the incremental engine from the full-archive and
// host-image engines, per section 2's component table (rows e, f, l).
type JobKind string

const (
	JobKindIncremental JobKind = "incremental"
	JobKindArchive      JobKind = "archive"
	JobKindHostImage     JobKind = "host_image"
)

// Valid reports whether k is one of the known job kinds.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindIncremental, JobKindArchive, JobKindHostImage:
		return true
	}
	return false
}

// RunStatus is the BackupRun state machine from section 4.3.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Valid reports whether s is one of the known run states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is one of the run states from which no further
// transition is possible, per section 4.3's state diagram.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// Job is the configured, recurring unit of backup work: a source path, a
// destination prefix, a schedule, and retention rules. Per section 3 and
// Design Notes open question 1, RetainDaily/Weekly/Monthly are carried for
// forward compatibility with a future GFS retention scheme but only
// KeepLastN is currently enforced by the worker's pruning step.
type Job struct {
	base
	Name          string  `gorm:"not null;uniqueIndex"`
	Kind          JobKind `gorm:"not null;default:'incremental'"`
	SourcePath    string  `gorm:"not null"`
	DestPrefix    string  `gorm:"not null"`
	Schedule      string  `gorm:"not null"` // cron expression, preset, or @every_N shorthand
	Enabled       bool    `gorm:"not null"`
	Encrypted     bool    `gorm:"not null;default:false"`
	// EncryptionSalt is the per-job argon2id salt (base64), generated once
	// when a job is created with Encrypted=true. The key itself is derived
	// at dispatch time from this salt plus the single process-wide
	// passphrase (Design Notes open question 4: one passphrase, no
	// rotation path) — only the salt is persisted, never the passphrase
	// or the derived key.
	EncryptionSalt string `gorm:"default:''"`
	StorageClass  string  `gorm:"not null;default:'HOT'"`
	KeepLastN     int     `gorm:"not null;default:7"`
	RetainDaily   int     `gorm:"not null;default:0"` // unused: see Design Notes open question 1
	RetainWeekly  int     `gorm:"not null;default:0"` // unused: see Design Notes open question 1
	RetainMonthly int     `gorm:"not null;default:0"` // unused: see Design Notes open question 1
	LastRunAt     *time.Time
	NextRunAt     *time.Time

	// LastRunStatus denormalizes the most recent BackupRun's Status onto the
	// Job row, per section 4.3 and Scenario S4: it is written in the same
	// commit as the run row whenever a run enters RUNNING or reaches a
	// terminal state, including orphan recovery at startup, so a job list
	// view never needs a join against backup_runs to show current status.
	LastRunStatus RunStatus `gorm:"default:''"`
}

// BackupRun is a single execution of a Job, per section 3's BackupRun
// entity and section 4.3's state machine. Runs are the unit the worker
// transitions through PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED}.
//
// Snapshot and any per-file detail are not embedded here — the canonical
// record of what files moved is the manifest object, not this row. Run
// rows exist so operators can list history, and so the worker can recover
// orphaned runs left RUNNING by a crashed process (section 4.3).
type BackupRun struct {
	base
	JobID          uuid.UUID `gorm:"type:text;not null;index"`
	Status         RunStatus `gorm:"not null;default:'pending'"`
	StartedAt      *time.Time
	EndedAt        *time.Time
	FilesTotal     int64  `gorm:"default:0"`
	FilesChanged   int64  `gorm:"default:0"`
	FilesFailed    int64  `gorm:"default:0"`
	BytesUploaded  int64  `gorm:"default:0"`
	ManifestKey    string `gorm:"default:''"`
	Error          string `gorm:"type:text;default:''"`
	Cancelled      bool   `gorm:"not null;default:false"`

	// Job is populated manually by repositories that need it — GORM cannot
	// resolve foreign keys against a uuid.UUID primary key, the same
	// constraint documented on Policy/Job in the teacher's models.
	Job *Job `gorm:"-"`
}

// PartialSuccessThreshold is the fraction of files that must succeed for a
// run with some failures to still be recorded SUCCESS, per section 4.3's
// 95% rule.
const PartialSuccessThreshold = 0.95

// Snapshot records the outcome of a successful or partially-successful run:
// where its manifest lives and summary statistics, per section 3.
type Snapshot struct {
	base
	JobID       uuid.UUID `gorm:"type:text;not null;index"`
	RunID       uuid.UUID `gorm:"type:text;not null;index"`
	ManifestKey string    `gorm:"not null"`
	FileCount   int64     `gorm:"default:0"`
	TotalBytes  int64     `gorm:"default:0"`
	TakenAt     time.Time `gorm:"not null;index"`

	// Retained and RetentionReason implement the keep-last-N pass from
	// section 4.3: a snapshot whose age pushes it past Job.KeepLastN is
	// marked rather than deleted outright, same as
	// original_source/app/worker.py's _apply_retention. Because of the
	// default tag, Create always stores Retained=true (a false value is
	// replaced by the default); MarkRetention is the way to unretain.
	Retained       bool   `gorm:"not null;default:true"`
	RetentionReason string `gorm:"default:''"`
}

// StorageMetric is the single global storage/cost aggregate row for one
// calendar day, per section 3 and section 4.8: one row per day across all
// jobs, not one row per (job, date). Per-job detail is carried in
// JobBreakdown rather than in separate rows, matching
// original_source/app/metrics.py's record_daily_metrics, which looks up or
// creates exactly one StorageMetrics row for "today" and folds every job's
// contribution into it in a single pass.
type StorageMetric struct {
	base
	Date time.Time `gorm:"not null;uniqueIndex"` // truncated to day, one row per day

	TotalBytes  int64 `gorm:"default:0"`
	ObjectCount int64 `gorm:"default:0"`

	// Per storage-class byte totals, mirroring original_source/app/metrics.py's
	// size_standard_bytes / size_glacier_ir_bytes / size_glacier_flexible_bytes
	// / size_deep_archive_bytes.
	HotBytes      int64 `gorm:"default:0"`
	CoolIRBytes   int64 `gorm:"default:0"`
	CoolFlexBytes int64 `gorm:"default:0"`
	DeepBytes     int64 `gorm:"default:0"`

	EstimatedUSD  float64 `gorm:"default:0"`
	HotCostUSD    float64 `gorm:"default:0"`
	CoolIRCostUSD float64 `gorm:"default:0"`
	CoolFlexCostUSD float64 `gorm:"default:0"`
	DeepCostUSD   float64 `gorm:"default:0"`

	// JobBreakdown is a JSON object keyed by job id (string form of
	// uuid.UUID), each value a jobBreakdownEntry, mirroring metrics.py's
	// job_breakdown dict built by iterating every job and json.dumps'd into
	// the row. Historical/projection queries that want a single job's
	// trend decode this column and look up that job's entry rather than
	// querying a job-scoped row, since none exists.
	JobBreakdown string `gorm:"type:text;default:'{}'"`
}

// JobBreakdownEntry is one job's contribution to a StorageMetric row's
// JobBreakdown column, per original_source/app/metrics.py's per-job dict
// (job_name, size_bytes, file_count, storage_class, monthly_cost).
type JobBreakdownEntry struct {
	JobName      string  `json:"job_name"`
	SizeBytes    int64   `json:"size_bytes"`
	FileCount    int64   `json:"file_count"`
	StorageClass string  `json:"storage_class"`
	MonthlyCost  float64 `json:"monthly_cost"`
}

// Notification is an in-app record of a job outcome, surfaced by the API
// and optionally relayed by SMTP/webhook delivery (out of scope per
// section 1's non-goals — Notification rows exist regardless so the API
// can serve them without that delivery layer).
type Notification struct {
	base
	JobID   uuid.UUID `gorm:"type:text;not null;index"`
	RunID   uuid.UUID `gorm:"type:text;not null;index"`
	Kind    string    `gorm:"not null"` // "run_success", "run_failed", "run_cancelled"
	Message string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
}
