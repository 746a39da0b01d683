package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/metadata"
)

// NotificationRepository persists metadata.Notification rows.
type NotificationRepository interface {
	Create(ctx context.Context, n *metadata.Notification) error
	ListUnread(ctx context.Context, limit int) ([]metadata.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by db.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: db}
}

func (r *gormNotificationRepository) Create(ctx context.Context, n *metadata.Notification) error {
	return wrapf("create notification", r.db.WithContext(ctx).Create(n).Error)
}

func (r *gormNotificationRepository) ListUnread(ctx context.Context, limit int) ([]metadata.Notification, error) {
	var rows []metadata.Notification
	q := r.db.WithContext(ctx).Where("read_at IS NULL").Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, wrapf("list unread notifications", err)
}

func (r *gormNotificationRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Model(&metadata.Notification{}).
		Where("id = ?", id).
		Update("read_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	return wrapf("mark notification read", err)
}
