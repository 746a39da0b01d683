package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratavault/stratavault/cancel"
	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/engine"
	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/metadata"
)

func (w *Worker) runIncremental(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, tok *cancel.Token, encKey *encryption.Key, runLog *zap.Logger) (*metadata.BackupRun, error) {
	opts := engine.Options{
		SourcePaths: []string{job.SourcePath},
		DestPrefix:  job.DestPrefix,
		Name:        job.Name,
		Class:       objectstoreClass(job.StorageClass),
		EncKey:      encKey,
		Objects:     w.objects,
		Manifests:   manifest.NewStore(w.objects, w.logDir),
		Log:         runLog,
	}

	res, err := engine.RunIncremental(ctx, run.ID.String(), opts, tok)
	if err != nil {
		if engine.IsCancelled(err) {
			return w.finishCancelled(ctx, job, run)
		}
		return w.finishFailed(ctx, job, run, err)
	}

	run.FilesTotal = res.TotalFilesScanned
	run.FilesChanged = res.FilesCount
	run.FilesFailed = res.UploadErrors
	run.BytesUploaded = res.SizeBytes
	if res.ManifestKey != nil {
		run.ManifestKey = *res.ManifestKey
	}

	return w.finishByThreshold(ctx, job, run, res)
}

func (w *Worker) runArchive(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, tok *cancel.Token, encKey *encryption.Key, runLog *zap.Logger) (*metadata.BackupRun, error) {
	opts := engine.ArchiveOptions{
		SourcePaths: []string{job.SourcePath},
		DestPrefix:  job.DestPrefix,
		Name:        job.Name,
		Class:       objectstoreClass(job.StorageClass),
		EncKey:      encKey,
		Objects:     w.objects,
		Log:         runLog,
	}

	res, err := engine.RunArchive(ctx, run.ID.String(), opts, tok)
	if err != nil {
		if engine.IsCancelled(err) {
			return w.finishCancelled(ctx, job, run)
		}
		return w.finishFailed(ctx, job, run, err)
	}

	run.FilesTotal = 1
	run.FilesChanged = 1
	run.BytesUploaded = res.SizeBytes

	now := time.Now().UTC()
	run.Status = metadata.RunSuccess
	run.EndedAt = &now
	if err := w.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: finish archive run: %w", err)
	}
	if err := w.jobs.UpdateLastRunStatus(ctx, job.ID, run.Status); err != nil {
		return nil, fmt.Errorf("worker: finish archive run: %w", err)
	}

	snap := &metadata.Snapshot{
		JobID:       job.ID,
		RunID:       run.ID,
		ManifestKey: res.S3Key,
		FileCount:   1,
		TotalBytes:  res.SizeBytes,
		TakenAt:     now,
	}
	if err := w.snaps.Create(ctx, snap); err != nil {
		w.log.Warn("worker: record archive snapshot failed", zap.Error(err))
	}

	return run, nil
}

// finishByThreshold applies section 4.3's 95% partial-success rule: a run
// with some upload failures still ends SUCCESS (with a warning in
// error_message) as long as at least PartialSuccessThreshold of attempted
// uploads (uploaded / (uploaded + upload errors)) succeeded; otherwise it ends FAILED and a notification is sent
// (scenarios S5/S6).
func (w *Worker) finishByThreshold(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, res engine.Result) (*metadata.BackupRun, error) {
	now := time.Now().UTC()
	run.EndedAt = &now

	if res.UploadErrors == 0 {
		run.Status = metadata.RunSuccess
	} else {
		attempted := res.FilesCount + res.UploadErrors
		successRate := 1.0
		if attempted > 0 {
			successRate = float64(res.FilesCount) / float64(attempted)
		}
		if successRate >= metadata.PartialSuccessThreshold {
			run.Status = metadata.RunSuccess
			run.Error = fmt.Sprintf("partial success: %d of %d uploads failed", res.UploadErrors, attempted)
		} else {
			run.Status = metadata.RunFailed
			run.Error = fmt.Sprintf("too many upload failures: %d of %d", res.UploadErrors, attempted)
		}
	}

	if err := w.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: finish incremental run: %w", err)
	}
	if err := w.jobs.UpdateLastRunStatus(ctx, job.ID, run.Status); err != nil {
		return nil, fmt.Errorf("worker: finish incremental run: %w", err)
	}

	if run.Status == metadata.RunSuccess && res.ManifestKey != nil {
		snap := &metadata.Snapshot{
			JobID:       job.ID,
			RunID:       run.ID,
			ManifestKey: *res.ManifestKey,
			FileCount:   res.TotalFilesScanned,
			TotalBytes:  res.SizeBytes,
			TakenAt:     now,
		}
		if err := w.snaps.Create(ctx, snap); err != nil {
			w.log.Warn("worker: record snapshot failed", zap.Error(err))
		}
		if err := w.pruneRetention(ctx, job); err != nil {
			w.log.Warn("worker: retention pruning failed", zap.Error(err))
		}
	}

	if run.Status == metadata.RunFailed {
		w.notify(ctx, job, run, "run_failed", run.Error)
	}

	return run, nil
}

func (w *Worker) finishFailed(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, cause error) (*metadata.BackupRun, error) {
	now := time.Now().UTC()
	run.Status = metadata.RunFailed
	run.EndedAt = &now
	run.Error = cause.Error()
	if err := w.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: record failed run: %w", err)
	}
	if err := w.jobs.UpdateLastRunStatus(ctx, job.ID, run.Status); err != nil {
		return nil, fmt.Errorf("worker: record failed run: %w", err)
	}
	return run, nil
}

func (w *Worker) finishCancelled(ctx context.Context, job *metadata.Job, run *metadata.BackupRun) (*metadata.BackupRun, error) {
	now := time.Now().UTC()
	run.Status = metadata.RunCancelled
	run.EndedAt = &now
	run.Cancelled = true
	if err := w.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: record cancelled run: %w", err)
	}
	if err := w.jobs.UpdateLastRunStatus(ctx, job.ID, run.Status); err != nil {
		return nil, fmt.Errorf("worker: record cancelled run: %w", err)
	}
	return run, nil
}

func (w *Worker) notify(ctx context.Context, job *metadata.Job, run *metadata.BackupRun, kind, message string) {
	n := &metadata.Notification{JobID: job.ID, RunID: run.ID, Kind: kind, Message: message}
	if err := w.notifs.Create(ctx, n); err != nil {
		w.log.Warn("worker: create notification failed", zap.Error(err))
	}
}
