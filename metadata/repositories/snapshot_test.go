package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratavault/stratavault/metadata"
)

func mustCreateJob(t *testing.T, repo JobRepository, name string) *metadata.Job {
	t.Helper()
	job := &metadata.Job{Name: name, SourcePath: "/data", DestPrefix: "jobs/" + name, Schedule: "daily", Enabled: true}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestSnapshotRepositoryGetLatestForJob(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	snaps := NewSnapshotRepository(db)

	job := mustCreateJob(t, jobs, "photos")
	older := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "k1", TakenAt: time.Now().Add(-time.Hour)}
	newer := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "k2", TakenAt: time.Now()}
	if err := snaps.Create(context.Background(), older); err != nil {
		t.Fatal(err)
	}
	if err := snaps.Create(context.Background(), newer); err != nil {
		t.Fatal(err)
	}

	got, err := snaps.GetLatestForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetLatestForJob: %v", err)
	}
	if got.ManifestKey != "k2" {
		t.Errorf("got manifest key %q, want k2 (the most recent)", got.ManifestKey)
	}
}

func TestSnapshotRepositoryListRetainedForJobExcludesUnretained(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	snaps := NewSnapshotRepository(db)

	job := mustCreateJob(t, jobs, "photos")
	kept := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "kept", TakenAt: time.Now(), Retained: true}
	pruned := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "pruned", TakenAt: time.Now(), Retained: false}
	if err := snaps.Create(context.Background(), kept); err != nil {
		t.Fatal(err)
	}
	if err := snaps.Create(context.Background(), pruned); err != nil {
		t.Fatal(err)
	}
	// Create stores every snapshot retained; unretain through the same
	// path the retention pass uses.
	if err := snaps.MarkRetention(context.Background(), pruned.ID, false, "keep_last_n"); err != nil {
		t.Fatal(err)
	}

	retained, err := snaps.ListRetainedForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListRetainedForJob: %v", err)
	}
	if len(retained) != 1 || retained[0].ManifestKey != "kept" {
		t.Errorf("expected only the retained snapshot, got %+v", retained)
	}
}

func TestSnapshotRepositoryMarkRetention(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	snaps := NewSnapshotRepository(db)

	job := mustCreateJob(t, jobs, "photos")
	snap := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "k", TakenAt: time.Now(), Retained: true}
	if err := snaps.Create(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	if err := snaps.MarkRetention(context.Background(), snap.ID, false, "keep_last_n"); err != nil {
		t.Fatalf("MarkRetention: %v", err)
	}

	retained, err := snaps.ListRetainedForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(retained) != 0 {
		t.Errorf("expected no retained snapshots after unretaining, got %d", len(retained))
	}
}

func TestSnapshotRepositoryUpdateManifestKey(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	snaps := NewSnapshotRepository(db)

	job := mustCreateJob(t, jobs, "photos")
	snap := &metadata.Snapshot{JobID: job.ID, RunID: uuid.New(), ManifestKey: "old", TakenAt: time.Now()}
	if err := snaps.Create(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	if err := snaps.UpdateManifestKey(context.Background(), snap.ID, "new"); err != nil {
		t.Fatalf("UpdateManifestKey: %v", err)
	}

	got, err := snaps.GetLatestForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ManifestKey != "new" {
		t.Errorf("got manifest key %q, want new", got.ManifestKey)
	}
}
