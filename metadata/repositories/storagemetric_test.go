package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stratavault/stratavault/metadata"
)

func TestStorageMetricRepositoryUpsertReplacesSameDay(t *testing.T) {
	db := openTestDB(t)
	rows := NewStorageMetricRepository(db)

	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	first := &metadata.StorageMetric{Date: day, TotalBytes: 100}
	if err := rows.Upsert(context.Background(), first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	second := &metadata.StorageMetric{Date: day, TotalBytes: 200}
	if err := rows.Upsert(context.Background(), second); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	recent, err := rows.ListRecent(context.Background(), 30)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected exactly one row for the day, got %d", len(recent))
	}
	if recent[0].TotalBytes != 200 {
		t.Errorf("got total bytes %d, want 200 (the replacement)", recent[0].TotalBytes)
	}
}

func TestStorageMetricRepositoryListRecentOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	rows := NewStorageMetricRepository(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := &metadata.StorageMetric{Date: base.AddDate(0, 0, i), TotalBytes: int64(i)}
		if err := rows.Upsert(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := rows.ListRecent(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 rows (limit), got %d", len(recent))
	}
	if recent[0].TotalBytes != 4 {
		t.Errorf("expected the newest row first, got total bytes %d", recent[0].TotalBytes)
	}
}
