package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/metadata"
)

// SnapshotRepository persists metadata.Snapshot rows.
type SnapshotRepository interface {
	Create(ctx context.Context, snap *metadata.Snapshot) error
	GetLatestForJob(ctx context.Context, jobID uuid.UUID) (*metadata.Snapshot, error)
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]metadata.Snapshot, error)
	ListRetainedForJob(ctx context.Context, jobID uuid.UUID) ([]metadata.Snapshot, error)
	MarkRetention(ctx context.Context, id uuid.UUID, retained bool, reason string) error
	UpdateManifestKey(ctx context.Context, id uuid.UUID, manifestKey string) error
}

type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by db.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

func (r *gormSnapshotRepository) Create(ctx context.Context, snap *metadata.Snapshot) error {
	return wrapf("create snapshot", r.db.WithContext(ctx).Create(snap).Error)
}

func (r *gormSnapshotRepository) GetLatestForJob(ctx context.Context, jobID uuid.UUID) (*metadata.Snapshot, error) {
	var snap metadata.Snapshot
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("taken_at desc").First(&snap).Error
	if err != nil {
		return nil, wrapf("get latest snapshot", err)
	}
	return &snap, nil
}

func (r *gormSnapshotRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]metadata.Snapshot, error) {
	var snaps []metadata.Snapshot
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("taken_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&snaps).Error
	return snaps, wrapf("list snapshots by job", err)
}

func (r *gormSnapshotRepository) ListRetainedForJob(ctx context.Context, jobID uuid.UUID) ([]metadata.Snapshot, error) {
	var snaps []metadata.Snapshot
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND retained = ?", jobID, true).
		Order("taken_at desc").
		Find(&snaps).Error
	return snaps, wrapf("list retained snapshots by job", err)
}

func (r *gormSnapshotRepository) MarkRetention(ctx context.Context, id uuid.UUID, retained bool, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&metadata.Snapshot{}).
		Where("id = ?", id).
		Updates(map[string]any{"retained": retained, "retention_reason": reason}).Error
	return wrapf("mark snapshot retention", err)
}

func (r *gormSnapshotRepository) UpdateManifestKey(ctx context.Context, id uuid.UUID, manifestKey string) error {
	err := r.db.WithContext(ctx).
		Model(&metadata.Snapshot{}).
		Where("id = ?", id).
		Update("manifest_key", manifestKey).Error
	return wrapf("update snapshot manifest key", err)
}
