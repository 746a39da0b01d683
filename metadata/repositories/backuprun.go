package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/metadata"
)

// BackupRunRepository persists metadata.BackupRun rows and the queries the
// worker needs for single-flight enforcement and orphan recovery (section
// 4.3: "on startup, the worker scans for runs left RUNNING and resolves
// them before accepting new work").
type BackupRunRepository interface {
	Create(ctx context.Context, run *metadata.BackupRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*metadata.BackupRun, error)
	Update(ctx context.Context, run *metadata.BackupRun) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]metadata.BackupRun, error)
	ListRunning(ctx context.Context) ([]metadata.BackupRun, error)
	HasRunningForJob(ctx context.Context, jobID uuid.UUID) (bool, error)
}

type gormBackupRunRepository struct {
	db *gorm.DB
}

// NewBackupRunRepository returns a BackupRunRepository backed by db.
func NewBackupRunRepository(db *gorm.DB) BackupRunRepository {
	return &gormBackupRunRepository{db: db}
}

func (r *gormBackupRunRepository) Create(ctx context.Context, run *metadata.BackupRun) error {
	return wrapf("create backup run", r.db.WithContext(ctx).Create(run).Error)
}

func (r *gormBackupRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*metadata.BackupRun, error) {
	var run metadata.BackupRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		return nil, wrapf("get backup run by id", err)
	}
	return &run, nil
}

func (r *gormBackupRunRepository) Update(ctx context.Context, run *metadata.BackupRun) error {
	return wrapf("update backup run", r.db.WithContext(ctx).Save(run).Error)
}

func (r *gormBackupRunRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]metadata.BackupRun, error) {
	var runs []metadata.BackupRun
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, wrapf("list backup runs by job", err)
}

// ListRunning returns every run still in the RUNNING state — candidates
// for orphan recovery at worker startup, per section 4.3.
func (r *gormBackupRunRepository) ListRunning(ctx context.Context) ([]metadata.BackupRun, error) {
	var runs []metadata.BackupRun
	err := r.db.WithContext(ctx).Where("status = ?", metadata.RunRunning).Find(&runs).Error
	return runs, wrapf("list running backup runs", err)
}

// HasRunningForJob reports whether jobID already has a RUNNING run, the
// single-flight check the scheduler and manual-trigger path must make
// before starting a new run, per section 4.3's single-flight rule.
func (r *gormBackupRunRepository) HasRunningForJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&metadata.BackupRun{}).
		Where("job_id = ? AND status = ?", jobID, metadata.RunRunning).
		Count(&count).Error
	if err != nil {
		return false, wrapf("check running backup run", err)
	}
	return count > 0, nil
}
