package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/metadata"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := metadata.New(metadata.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("metadata.New: %v", err)
	}
	return db
}

func TestJobRepositoryCreateAndGetByID(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	job := &metadata.Job{
		Name:       "nightly-photos",
		Kind:       metadata.JobKindIncremental,
		SourcePath: "/data/photos",
		DestPrefix: "jobs/nightly-photos",
		Schedule:   "daily",
		Enabled:    true,
		KeepLastN:  5,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == (uuid.UUID{}) {
		t.Fatal("expected a generated ID")
	}

	got, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != "nightly-photos" {
		t.Errorf("got name %q, want nightly-photos", got.Name)
	}
}

func TestJobRepositoryGetByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetByID(context.Background(), id); err == nil {
		t.Error("expected ErrNotFound for a missing job")
	}
}

func TestJobRepositoryListEnabled(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	on := &metadata.Job{Name: "on", SourcePath: "/a", DestPrefix: "p", Schedule: "daily", Enabled: true}
	off := &metadata.Job{Name: "off", SourcePath: "/b", DestPrefix: "p", Schedule: "daily", Enabled: false}
	if err := repo.Create(context.Background(), on); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(context.Background(), off); err != nil {
		t.Fatal(err)
	}

	jobs, err := repo.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "on" {
		t.Errorf("expected only the enabled job, got %+v", jobs)
	}
}
