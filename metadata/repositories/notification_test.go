package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/stratavault/stratavault/metadata"
)

func TestNotificationRepositoryListUnreadAndMarkRead(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	notifs := NewNotificationRepository(db)

	job := mustCreateJob(t, jobs, "photos")
	n := &metadata.Notification{JobID: job.ID, RunID: uuid.New(), Kind: "run_failed", Message: "too many upload failures"}
	if err := notifs.Create(context.Background(), n); err != nil {
		t.Fatalf("Create: %v", err)
	}

	unread, err := notifs.ListUnread(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected one unread notification, got %d", len(unread))
	}

	if err := notifs.MarkRead(context.Background(), n.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	unread, err = notifs.ListUnread(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnread after mark read: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("expected no unread notifications after marking read, got %d", len(unread))
	}
}
