package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stratavault/stratavault/metadata"
)

// StorageMetricRepository persists the single global daily storage/cost
// aggregate row the metrics recorder maintains, per section 3 and section
// 4.8: one row per calendar day across every job, not one row per job.
type StorageMetricRepository interface {
	Upsert(ctx context.Context, m *metadata.StorageMetric) error
	ListRecent(ctx context.Context, limit int) ([]metadata.StorageMetric, error)
}

type gormStorageMetricRepository struct {
	db *gorm.DB
}

// NewStorageMetricRepository returns a StorageMetricRepository backed by db.
func NewStorageMetricRepository(db *gorm.DB) StorageMetricRepository {
	return &gormStorageMetricRepository{db: db}
}

// Upsert writes or replaces the row for Date, since the metrics recorder
// runs once per day and a rerun on the same day must overwrite rather than
// duplicate, per section 4.8 and original_source/app/metrics.py's
// record_daily_metrics, which looks up today's single row before creating
// one.
func (r *gormStorageMetricRepository) Upsert(ctx context.Context, m *metadata.StorageMetric) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_bytes", "object_count",
			"hot_bytes", "cool_ir_bytes", "cool_flex_bytes", "deep_bytes",
			"estimated_usd", "hot_cost_usd", "cool_ir_cost_usd", "cool_flex_cost_usd", "deep_cost_usd",
			"job_breakdown", "updated_at",
		}),
	}).Create(m).Error
	return wrapf("upsert storage metric", err)
}

// ListRecent returns up to limit rows ordered by date descending, used by
// the linear projection in section 4.8 ("from the last <=30 rows").
func (r *gormStorageMetricRepository) ListRecent(ctx context.Context, limit int) ([]metadata.StorageMetric, error) {
	var rows []metadata.StorageMetric
	q := r.db.WithContext(ctx).Order("date desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, wrapf("list recent storage metrics", err)
}
