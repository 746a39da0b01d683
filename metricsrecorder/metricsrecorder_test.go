package metricsrecorder

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

type fakeJobRepo struct {
	jobs map[uuid.UUID]metadata.Job
}

func (f *fakeJobRepo) Create(ctx context.Context, job *metadata.Job) error { return nil }

func (f *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*metadata.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &j, nil
}

func (f *fakeJobRepo) GetByName(ctx context.Context, name string) (*metadata.Job, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeJobRepo) Update(ctx context.Context, job *metadata.Job) error { return nil }
func (f *fakeJobRepo) UpdateScheduleState(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	return nil
}
func (f *fakeJobRepo) UpdateLastRunStatus(ctx context.Context, id uuid.UUID, status metadata.RunStatus) error {
	return nil
}

func (f *fakeJobRepo) List(ctx context.Context) ([]metadata.Job, error) {
	out := make([]metadata.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeJobRepo) ListEnabled(ctx context.Context) ([]metadata.Job, error) { return f.List(ctx) }
func (f *fakeJobRepo) Delete(ctx context.Context, id uuid.UUID) error          { return nil }

type fakeSnapshotRepo struct {
	byJob map[uuid.UUID][]metadata.Snapshot
}

func (f *fakeSnapshotRepo) Create(ctx context.Context, snap *metadata.Snapshot) error { return nil }
func (f *fakeSnapshotRepo) GetLatestForJob(ctx context.Context, jobID uuid.UUID) (*metadata.Snapshot, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeSnapshotRepo) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]metadata.Snapshot, error) {
	return f.byJob[jobID], nil
}

func (f *fakeSnapshotRepo) ListRetainedForJob(ctx context.Context, jobID uuid.UUID) ([]metadata.Snapshot, error) {
	var out []metadata.Snapshot
	for _, s := range f.byJob[jobID] {
		if s.Retained {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSnapshotRepo) MarkRetention(ctx context.Context, id uuid.UUID, retained bool, reason string) error {
	return nil
}
func (f *fakeSnapshotRepo) UpdateManifestKey(ctx context.Context, id uuid.UUID, manifestKey string) error {
	return nil
}

type fakeStorageMetricRepo struct {
	rows []metadata.StorageMetric
}

func newFakeStorageMetricRepo() *fakeStorageMetricRepo {
	return &fakeStorageMetricRepo{}
}

func (f *fakeStorageMetricRepo) Upsert(ctx context.Context, m *metadata.StorageMetric) error {
	for i, r := range f.rows {
		if r.Date.Equal(m.Date) {
			f.rows[i] = *m
			return nil
		}
	}
	f.rows = append(f.rows, *m)
	return nil
}

// ListRecent returns newest-first, matching the GORM implementation's
// "order by date desc" behavior.
func (f *fakeStorageMetricRepo) ListRecent(ctx context.Context, limit int) ([]metadata.StorageMetric, error) {
	rows := append([]metadata.StorageMetric(nil), f.rows...)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func TestRecordAllAggregatesRetainedSnapshotsOnly(t *testing.T) {
	jobID := uuid.New()
	job := metadata.Job{Name: "photos", StorageClass: "HOT"}
	job.ID = jobID

	jobs := &fakeJobRepo{jobs: map[uuid.UUID]metadata.Job{jobID: job}}
	snaps := &fakeSnapshotRepo{byJob: map[uuid.UUID][]metadata.Snapshot{
		jobID: {
			{TotalBytes: 1 << 30, FileCount: 10, Retained: true},
			{TotalBytes: 1 << 29, FileCount: 5, Retained: true},
			{TotalBytes: 1 << 40, FileCount: 999, Retained: false}, // pruned, must not count
		},
	}}
	rows := newFakeStorageMetricRepo()
	r := New(jobs, snaps, rows, zap.NewNop())

	m, err := r.RecordAll(context.Background())
	if err != nil {
		t.Fatalf("RecordAll: %v", err)
	}
	wantBytes := int64(1<<30) + int64(1<<29)
	if m.TotalBytes != wantBytes {
		t.Errorf("total bytes = %d, want %d", m.TotalBytes, wantBytes)
	}
	if m.HotBytes != wantBytes {
		t.Errorf("hot bytes = %d, want %d (class is HOT)", m.HotBytes, wantBytes)
	}
	if m.DeepBytes != 0 || m.CoolIRBytes != 0 || m.CoolFlexBytes != 0 {
		t.Errorf("expected no cold-tier bytes, got deep=%d cool_ir=%d cool_flex=%d", m.DeepBytes, m.CoolIRBytes, m.CoolFlexBytes)
	}
	if m.ObjectCount != 15 {
		t.Errorf("object count = %d, want 15", m.ObjectCount)
	}
	if m.EstimatedUSD <= 0 {
		t.Errorf("expected a positive estimated cost, got %f", m.EstimatedUSD)
	}

	entry, ok := jobEntry(m.JobBreakdown, jobID)
	if !ok {
		t.Fatal("expected a job breakdown entry for the job")
	}
	if entry.SizeBytes != wantBytes {
		t.Errorf("breakdown size bytes = %d, want %d", entry.SizeBytes, wantBytes)
	}
	if entry.JobName != "photos" {
		t.Errorf("breakdown job name = %q, want %q", entry.JobName, "photos")
	}
}

func TestRecordAllClassifiesColdStorage(t *testing.T) {
	jobID := uuid.New()
	job := metadata.Job{Name: "archive", StorageClass: "DEEP"}
	job.ID = jobID

	jobs := &fakeJobRepo{jobs: map[uuid.UUID]metadata.Job{jobID: job}}
	snaps := &fakeSnapshotRepo{byJob: map[uuid.UUID][]metadata.Snapshot{
		jobID: {{TotalBytes: 1 << 30, FileCount: 1, Retained: true}},
	}}
	rows := newFakeStorageMetricRepo()
	r := New(jobs, snaps, rows, zap.NewNop())

	m, err := r.RecordAll(context.Background())
	if err != nil {
		t.Fatalf("RecordAll: %v", err)
	}
	if m.HotBytes != 0 || m.DeepBytes != 1<<30 {
		t.Errorf("expected all bytes classified deep archive, got hot=%d deep=%d", m.HotBytes, m.DeepBytes)
	}
}

func TestRecordAllCoversJobWithNoSnapshots(t *testing.T) {
	okJob := metadata.Job{Name: "ok", StorageClass: "HOT"}
	okJob.ID = uuid.New()
	badJob := metadata.Job{Name: "bad", StorageClass: "HOT"}
	badJob.ID = uuid.New()

	jobs := &fakeJobRepo{jobs: map[uuid.UUID]metadata.Job{
		okJob.ID:  okJob,
		badJob.ID: badJob,
	}}
	snaps := &fakeSnapshotRepo{byJob: map[uuid.UUID][]metadata.Snapshot{
		okJob.ID: {{TotalBytes: 1024, FileCount: 1, Retained: true}},
		// badJob has no entry in byJob, ListRetainedForJob still succeeds
		// returning nil, so RecordAll must still produce one row covering
		// both jobs rather than erroring out.
	}}
	rows := newFakeStorageMetricRepo()
	r := New(jobs, snaps, rows, zap.NewNop())

	if _, err := r.RecordAll(context.Background()); err != nil {
		t.Fatalf("RecordAll: %v", err)
	}
	if len(rows.rows) != 1 {
		t.Errorf("expected exactly one global row, got %d", len(rows.rows))
	}
	if _, ok := jobEntry(rows.rows[0].JobBreakdown, okJob.ID); !ok {
		t.Error("expected a breakdown entry for the ok job")
	}
}

func TestCalculateProjectionInsufficientDataNoRows(t *testing.T) {
	rows := newFakeStorageMetricRepo()
	r := New(&fakeJobRepo{}, &fakeSnapshotRepo{}, rows, zap.NewNop())

	p, err := r.CalculateProjection(context.Background(), nil, 30)
	if err != nil {
		t.Fatalf("CalculateProjection: %v", err)
	}
	if !p.InsufficientData {
		t.Error("expected InsufficientData with zero rows")
	}
}

func TestCalculateProjectionInsufficientDataSingleRow(t *testing.T) {
	rows := newFakeStorageMetricRepo()
	rows.rows = []metadata.StorageMetric{
		{Date: time.Now().UTC(), TotalBytes: 1 << 30, EstimatedUSD: 0.5},
	}
	r := New(&fakeJobRepo{}, &fakeSnapshotRepo{}, rows, zap.NewNop())

	p, err := r.CalculateProjection(context.Background(), nil, 30)
	if err != nil {
		t.Fatalf("CalculateProjection: %v", err)
	}
	if !p.InsufficientData {
		t.Error("expected InsufficientData with one row")
	}
	if p.CurrentSizeBytes != 1<<30 || p.ProjectedSizeBytes != 1<<30 {
		t.Errorf("expected flat projection equal to the single reading, got current=%d projected=%d",
			p.CurrentSizeBytes, p.ProjectedSizeBytes)
	}
}

func TestCalculateProjectionLinearGrowth(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := newFakeStorageMetricRepo()
	// 10 GiB growing by 1 GiB/day over 10 days, $0.023/GiB/month (HOT).
	const giBConst = 1 << 30
	for i := 0; i < 10; i++ {
		day := now.AddDate(0, 0, i)
		size := int64((i + 1)) * giBConst
		rows.rows = append(rows.rows, metadata.StorageMetric{
			Date:         day,
			TotalBytes:   size,
			EstimatedUSD: float64(i+1) * 0.023,
		})
	}
	r := New(&fakeJobRepo{}, &fakeSnapshotRepo{}, rows, zap.NewNop())

	p, err := r.CalculateProjection(context.Background(), nil, 10)
	if err != nil {
		t.Fatalf("CalculateProjection: %v", err)
	}
	if p.InsufficientData {
		t.Fatal("expected sufficient data with 10 rows")
	}
	if p.DailyGrowthBytes <= 0 {
		t.Errorf("expected positive daily growth, got %f", p.DailyGrowthBytes)
	}
	wantProjected := int64(20) * giBConst
	if p.ProjectedSizeBytes != wantProjected {
		t.Errorf("projected size = %d, want %d", p.ProjectedSizeBytes, wantProjected)
	}
	if p.ProjectedMonthlyUSD <= p.CurrentMonthlyUSD {
		t.Errorf("expected projected cost to exceed current cost for growing storage")
	}
}

// TestCalculateProjectionFiltersByJobBreakdown mirrors
// original_source/app/metrics.py's get_historical_metrics(job_id=...): a
// per-job projection trends on that job's entry in JobBreakdown and skips
// rows where the job has no entry at all.
func TestCalculateProjectionFiltersByJobBreakdown(t *testing.T) {
	jobID := uuid.New()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := newFakeStorageMetricRepo()
	const giBConst = 1 << 30
	for i := 0; i < 5; i++ {
		breakdown := map[string]metadata.JobBreakdownEntry{
			jobID.String(): {JobName: "tracked", SizeBytes: int64(i+1) * giBConst, MonthlyCost: float64(i+1) * 0.023},
		}
		encoded, err := json.Marshal(breakdown)
		if err != nil {
			t.Fatal(err)
		}
		rows.rows = append(rows.rows, metadata.StorageMetric{
			Date:         now.AddDate(0, 0, i),
			TotalBytes:   int64(i+1) * giBConst * 10, // global total dominated by other jobs
			EstimatedUSD: float64(i+1) * 0.23,
			JobBreakdown: string(encoded),
		})
	}
	// one row with no entry for jobID at all, must be skipped rather than
	// treated as a zero reading.
	rows.rows = append(rows.rows, metadata.StorageMetric{
		Date:         now.AddDate(0, 0, 5),
		TotalBytes:   1 << 40,
		EstimatedUSD: 99,
		JobBreakdown: "{}",
	})

	r := New(&fakeJobRepo{}, &fakeSnapshotRepo{}, rows, zap.NewNop())
	p, err := r.CalculateProjection(context.Background(), &jobID, 5)
	if err != nil {
		t.Fatalf("CalculateProjection: %v", err)
	}
	if p.InsufficientData {
		t.Fatal("expected sufficient data from the job's own breakdown history")
	}
	if p.CurrentSizeBytes != 5*giBConst {
		t.Errorf("current size = %d, want %d (job's own latest reading, not the global total)", p.CurrentSizeBytes, 5*giBConst)
	}
}

func TestCostForClassFallsBackToDeepArchivePriceForUnknownClass(t *testing.T) {
	cost := costForClass("not-a-real-class", 1<<30)
	want := pricePerGiBMonth[objectstore.StorageDeep]
	if cost != want {
		t.Errorf("cost = %f, want %f (deep archive fallback price)", cost, want)
	}
}
