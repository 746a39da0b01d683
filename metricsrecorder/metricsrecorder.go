// Package metricsrecorder implements the daily storage/cost aggregate and
// linear-growth projection described in section 4.8 of the design
// specification. It is distinct from engine's run-local RunStats: this
// package folds every job's retained snapshots into a single persisted row
// per calendar day, read back later for trend projection, mirroring
// original_source/app/metrics.py's record_daily_metrics (one global
// StorageMetrics row per day, not one per job).
package metricsrecorder

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

// pricePerGiBMonth is the static $/GiB/month table named in section 4.8,
// grounded on original_source/app/metrics.py's STORAGE_PRICING (2024 AWS
// list prices). Update periodically; this is deliberately a plain map,
// not fetched from a pricing API, matching the original's own comment
// ("Update these periodically to reflect current pricing").
var pricePerGiBMonth = map[objectstore.StorageClass]float64{
	objectstore.StorageHot:     0.023,
	objectstore.StorageCoolIR:  0.004,
	objectstore.StorageCoolFlex: 0.0036,
	objectstore.StorageDeep:    0.00099,
}

const giB = 1 << 30

// Recorder aggregates retained snapshots into the single daily StorageMetric
// row, per section 4.8: "once per day (and on process start)."
type Recorder struct {
	jobs  repositories.JobRepository
	snaps repositories.SnapshotRepository
	rows  repositories.StorageMetricRepository
	log   *zap.Logger
}

// New constructs a Recorder.
func New(jobs repositories.JobRepository, snaps repositories.SnapshotRepository, rows repositories.StorageMetricRepository, log *zap.Logger) *Recorder {
	return &Recorder{jobs: jobs, snaps: snaps, rows: rows, log: log.Named("metricsrecorder")}
}

// RecordAll folds every job's retained snapshots into one StorageMetric row
// for today, per section 4.8 and original_source/app/metrics.py's single
// aggregation pass over every Job. Per-job contributions are kept in
// JobBreakdown, not in separate rows.
func (r *Recorder) RecordAll(ctx context.Context) (*metadata.StorageMetric, error) {
	jobs, err := r.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("metricsrecorder: list jobs: %w", err)
	}

	var totalBytes, objectCount int64
	var hotBytes, coolIRBytes, coolFlexBytes, deepBytes int64
	var hotCost, coolIRCost, coolFlexCost, deepCost float64
	breakdown := make(map[string]metadata.JobBreakdownEntry, len(jobs))

	for i := range jobs {
		job := &jobs[i]
		retained, err := r.snaps.ListRetainedForJob(ctx, job.ID)
		if err != nil {
			r.log.Warn("metricsrecorder: failed to list retained snapshots for job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}

		class := objectstore.StorageClass(job.StorageClass)
		var jobBytes int64
		for _, s := range retained {
			jobBytes += s.TotalBytes
		}
		jobCost := costForClass(class, jobBytes)
		jobFiles := sumFileCounts(retained)

		totalBytes += jobBytes
		objectCount += jobFiles
		switch class {
		case objectstore.StorageCoolIR:
			coolIRBytes += jobBytes
			coolIRCost += jobCost
		case objectstore.StorageCoolFlex:
			coolFlexBytes += jobBytes
			coolFlexCost += jobCost
		case objectstore.StorageDeep:
			deepBytes += jobBytes
			deepCost += jobCost
		default:
			hotBytes += jobBytes
			hotCost += jobCost
		}

		breakdown[job.ID.String()] = metadata.JobBreakdownEntry{
			JobName:      job.Name,
			SizeBytes:    jobBytes,
			FileCount:    jobFiles,
			StorageClass: string(class),
			MonthlyCost:  jobCost,
		}
	}

	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return nil, fmt.Errorf("metricsrecorder: marshal job breakdown: %w", err)
	}

	row := &metadata.StorageMetric{
		Date:            truncateToDay(time.Now().UTC()),
		TotalBytes:      totalBytes,
		ObjectCount:     objectCount,
		HotBytes:        hotBytes,
		CoolIRBytes:     coolIRBytes,
		CoolFlexBytes:   coolFlexBytes,
		DeepBytes:       deepBytes,
		EstimatedUSD:    hotCost + coolIRCost + coolFlexCost + deepCost,
		HotCostUSD:      hotCost,
		CoolIRCostUSD:   coolIRCost,
		CoolFlexCostUSD: coolFlexCost,
		DeepCostUSD:     deepCost,
		JobBreakdown:    string(breakdownJSON),
	}
	if err := r.rows.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("metricsrecorder: upsert storage metric: %w", err)
	}

	r.log.Info("metricsrecorder: recorded daily metrics",
		zap.Int("job_count", len(jobs)),
		zap.String("total_size", humanize.Bytes(uint64(totalBytes))),
		zap.Float64("monthly_cost_usd", row.EstimatedUSD))

	return row, nil
}

// Projection is the result of CalculateProjection, per section 4.8:
// "fit a linear trend to the last <=30 rows... extrapolate days_ahead."
type Projection struct {
	CurrentSizeBytes    int64
	CurrentMonthlyUSD   float64
	ProjectedSizeBytes  int64
	ProjectedMonthlyUSD float64
	DailyGrowthBytes    float64
	DaysAhead           int
	InsufficientData    bool
}

// CalculateProjection fits a linear trend to the last <=30 StorageMetric
// rows and extrapolates daysAhead, deriving projected cost from the current
// $/GiB ratio, per section 4.8. When jobID is non-nil the trend is fit on
// that job's entry in each row's JobBreakdown instead of the row's global
// totals, rows missing an entry for that job are skipped, mirroring
// original_source/app/metrics.py's get_historical_metrics(job_id=...). With
// fewer than two usable rows it returns the current reading flat-projected,
// matching calculate_projection's "insufficient data" branch.
func (r *Recorder) CalculateProjection(ctx context.Context, jobID *uuid.UUID, daysAhead int) (*Projection, error) {
	all, err := r.rows.ListRecent(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("metricsrecorder: list recent storage metrics: %w", err)
	}

	type point struct {
		date  time.Time
		bytes int64
		cost  float64
	}
	var points []point
	for _, row := range all {
		if jobID == nil {
			points = append(points, point{date: row.Date, bytes: row.TotalBytes, cost: row.EstimatedUSD})
			continue
		}
		entry, ok := jobEntry(row.JobBreakdown, *jobID)
		if !ok {
			continue
		}
		points = append(points, point{date: row.Date, bytes: entry.SizeBytes, cost: entry.MonthlyCost})
	}

	if len(points) == 0 {
		return &Projection{DaysAhead: daysAhead, InsufficientData: true}, nil
	}

	// points come back newest-first (ListRecent orders by date desc);
	// reverse to oldest-first for a left-to-right trend fit.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}

	newest := points[len(points)-1]
	if len(points) < 2 {
		return &Projection{
			CurrentSizeBytes:    newest.bytes,
			CurrentMonthlyUSD:   newest.cost,
			ProjectedSizeBytes:  newest.bytes,
			ProjectedMonthlyUSD: newest.cost,
			DaysAhead:           daysAhead,
			InsufficientData:    true,
		}, nil
	}

	oldest := points[0]
	daySpan := newest.date.Sub(oldest.date).Hours() / 24
	if daySpan < 1 {
		daySpan = 1
	}

	dailyGrowthBytes := float64(newest.bytes-oldest.bytes) / daySpan
	projectedSize := newest.bytes + int64(dailyGrowthBytes*float64(daysAhead))
	if projectedSize < 0 {
		projectedSize = 0
	}

	var projectedCost float64
	if newest.bytes > 0 {
		costPerGiB := newest.cost / (float64(newest.bytes) / giB)
		projectedCost = (float64(projectedSize) / giB) * costPerGiB
	} else {
		projectedCost = newest.cost
	}

	return &Projection{
		CurrentSizeBytes:    newest.bytes,
		CurrentMonthlyUSD:   newest.cost,
		ProjectedSizeBytes:  projectedSize,
		ProjectedMonthlyUSD: projectedCost,
		DailyGrowthBytes:    dailyGrowthBytes,
		DaysAhead:           daysAhead,
	}, nil
}

// jobEntry decodes a StorageMetric row's JobBreakdown column and looks up
// jobID's entry, reporting ok=false if that row never saw the job (matching
// get_historical_metrics's behavior of filtering rows missing the key).
func jobEntry(breakdownJSON string, jobID uuid.UUID) (metadata.JobBreakdownEntry, bool) {
	if breakdownJSON == "" {
		return metadata.JobBreakdownEntry{}, false
	}
	var breakdown map[string]metadata.JobBreakdownEntry
	if err := json.Unmarshal([]byte(breakdownJSON), &breakdown); err != nil {
		return metadata.JobBreakdownEntry{}, false
	}
	entry, ok := breakdown[jobID.String()]
	return entry, ok
}

func costForClass(class objectstore.StorageClass, totalBytes int64) float64 {
	price, ok := pricePerGiBMonth[class]
	if !ok {
		price = pricePerGiBMonth[objectstore.StorageDeep]
	}
	sizeGiB := float64(totalBytes) / giB
	return sizeGiB * price
}

func sumFileCounts(snaps []metadata.Snapshot) int64 {
	var total int64
	for _, s := range snaps {
		total += s.FileCount
	}
	return total
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
