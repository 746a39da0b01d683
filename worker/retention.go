package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stratavault/stratavault/metadata"
)

// pruneRetention applies job.KeepLastN to the retained-snapshot list,
// marking the oldest excess snapshots unretained. Per Design Notes open
// question 1, only KeepLastN is enforced; RetainDaily/Weekly/Monthly are
// carried on Job but not consulted here, matching
// original_source/app/worker.py's _apply_retention. Marking rather than
// deleting keeps the ledger row (and its manifest pointer) available for
// reconciliation and audit even after a snapshot falls out of the active
// retention window.
func (w *Worker) pruneRetention(ctx context.Context, job *metadata.Job) error {
	snaps, err := w.snaps.ListRetainedForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("worker: list retained snapshots: %w", err)
	}
	if job.KeepLastN <= 0 || len(snaps) <= job.KeepLastN {
		return nil
	}

	excess := snaps[job.KeepLastN:]
	for i := range excess {
		snap := &excess[i]
		if err := w.snaps.MarkRetention(ctx, snap.ID, false, "keep_last_n_exceeded"); err != nil {
			return fmt.Errorf("worker: mark snapshot %s for retention: %w", snap.ID, err)
		}
		w.log.Info("worker: snapshot fell outside keep_last_n window",
			zap.String("job_id", job.ID.String()),
			zap.String("snapshot_id", snap.ID.String()))
	}
	return nil
}
