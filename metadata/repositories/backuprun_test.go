package repositories

import (
	"context"
	"testing"

	"github.com/stratavault/stratavault/metadata"
)

func TestBackupRunRepositoryHasRunningForJob(t *testing.T) {
	db := openTestDB(t)
	jobRepo := NewJobRepository(db)
	runRepo := NewBackupRunRepository(db)

	job := &metadata.Job{Name: "j", SourcePath: "/a", DestPrefix: "p", Schedule: "daily", Enabled: true}
	if err := jobRepo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	has, err := runRepo.HasRunningForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("HasRunningForJob: %v", err)
	}
	if has {
		t.Fatal("expected no running run before any run is created")
	}

	run := &metadata.BackupRun{JobID: job.ID, Status: metadata.RunRunning}
	if err := runRepo.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	has, err = runRepo.HasRunningForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("HasRunningForJob: %v", err)
	}
	if !has {
		t.Error("expected a running run to be reported")
	}
}

func TestBackupRunRepositoryListRunningForOrphanRecovery(t *testing.T) {
	db := openTestDB(t)
	jobRepo := NewJobRepository(db)
	runRepo := NewBackupRunRepository(db)

	job := &metadata.Job{Name: "j2", SourcePath: "/a", DestPrefix: "p", Schedule: "daily", Enabled: true}
	if err := jobRepo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	running := &metadata.BackupRun{JobID: job.ID, Status: metadata.RunRunning}
	done := &metadata.BackupRun{JobID: job.ID, Status: metadata.RunSuccess}
	if err := runRepo.Create(context.Background(), running); err != nil {
		t.Fatal(err)
	}
	if err := runRepo.Create(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	orphans, err := runRepo.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != running.ID {
		t.Errorf("expected exactly the running run, got %+v", orphans)
	}
}

func TestBackupRunRepositoryListByJobOrdersDescending(t *testing.T) {
	db := openTestDB(t)
	jobRepo := NewJobRepository(db)
	runRepo := NewBackupRunRepository(db)

	job := &metadata.Job{Name: "j3", SourcePath: "/a", DestPrefix: "p", Schedule: "daily", Enabled: true}
	if err := jobRepo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		run := &metadata.BackupRun{JobID: job.ID, Status: metadata.RunSuccess}
		if err := runRepo.Create(context.Background(), run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := runRepo.ListByJob(context.Background(), job.ID, 2)
	if err != nil {
		t.Fatalf("ListByJob: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit=2 to be respected, got %d", len(runs))
	}
}
