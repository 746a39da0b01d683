package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/metadata"
)

// JobRepository persists metadata.Job rows.
type JobRepository interface {
	Create(ctx context.Context, job *metadata.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*metadata.Job, error)
	GetByName(ctx context.Context, name string) (*metadata.Job, error)
	Update(ctx context.Context, job *metadata.Job) error
	UpdateScheduleState(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error
	UpdateLastRunStatus(ctx context.Context, id uuid.UUID, status metadata.RunStatus) error
	List(ctx context.Context) ([]metadata.Job, error)
	ListEnabled(ctx context.Context) ([]metadata.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by db.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *metadata.Job) error {
	return wrapf("create job", r.db.WithContext(ctx).Create(job).Error)
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*metadata.Job, error) {
	var job metadata.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		return nil, wrapf("get job by id", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetByName(ctx context.Context, name string) (*metadata.Job, error) {
	var job metadata.Job
	err := r.db.WithContext(ctx).First(&job, "name = ?", name).Error
	if err != nil {
		return nil, wrapf("get job by name", err)
	}
	return &job, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *metadata.Job) error {
	return wrapf("update job", r.db.WithContext(ctx).Save(job).Error)
}

// UpdateScheduleState performs a partial update of only the scheduler's
// bookkeeping columns, mirroring the teacher's UpdateStatus: avoid a full
// row Save from a scheduler loop that never holds the rest of the struct.
func (r *gormJobRepository) UpdateScheduleState(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	err := r.db.WithContext(ctx).Model(&metadata.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_run_at": lastRunAt,
		"next_run_at": nextRunAt,
	}).Error
	return wrapf("update job schedule state", err)
}

// UpdateLastRunStatus writes only the denormalized last-run-status column,
// per section 4.3 and Scenario S4: every BackupRun transition — dispatch to
// RUNNING, a terminal state, or orphan recovery at startup — updates the
// owning job's LastRunStatus alongside the run row.
func (r *gormJobRepository) UpdateLastRunStatus(ctx context.Context, id uuid.UUID, status metadata.RunStatus) error {
	err := r.db.WithContext(ctx).Model(&metadata.Job{}).Where("id = ?", id).
		Update("last_run_status", status).Error
	return wrapf("update job last run status", err)
}

func (r *gormJobRepository) List(ctx context.Context) ([]metadata.Job, error) {
	var jobs []metadata.Job
	err := r.db.WithContext(ctx).Order("name asc").Find(&jobs).Error
	return jobs, wrapf("list jobs", err)
}

func (r *gormJobRepository) ListEnabled(ctx context.Context) ([]metadata.Job, error) {
	var jobs []metadata.Job
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("name asc").Find(&jobs).Error
	return jobs, wrapf("list enabled jobs", err)
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Delete(&metadata.Job{}, "id = ?", id).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapf("delete job", err)
	}
	return nil
}
