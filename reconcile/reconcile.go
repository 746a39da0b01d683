// Package reconcile implements the three-way compare between the ledger,
// the manifest, and the object store described in section 4.5: on every
// run it asks whether the three agree, and in non-dry-run mode repairs
// what it safely can (never deleting orphaned objects — section 4.5's
// "safety default").
package reconcile

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

// Severity classifies a reconciliation finding, per section 4.5's
// severity rules.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Issue is one finding from a reconciliation pass.
type Issue struct {
	Severity Severity
	Code     string // "missing_backup", "key_mismatch", "manifest_rebuilt", "files_missing", "files_mismatched", "files_orphaned", "no_snapshots"
	Message  string
	Key      string // object-store key the issue concerns, when applicable
}

// Result is the outcome of Run.
type Result struct {
	JobID   uuid.UUID
	DryRun  bool
	Issues  []Issue
	Actions []string // human-readable description of each repair actually made
}

// Reconciler drives the section 4.5 procedure.
type Reconciler struct {
	jobs      repositories.JobRepository
	snaps     repositories.SnapshotRepository
	objects   *objectstore.Client
	manifests *manifest.Store
	log       *zap.Logger
}

// New constructs a Reconciler.
func New(jobs repositories.JobRepository, snaps repositories.SnapshotRepository, objects *objectstore.Client, manifests *manifest.Store, log *zap.Logger) *Reconciler {
	return &Reconciler{jobs: jobs, snaps: snaps, objects: objects, manifests: manifests, log: log}
}

// Run executes the section 4.5 procedure for jobID. In dry-run mode no
// repairs are made and Actions is always empty.
func (r *Reconciler) Run(ctx context.Context, jobID uuid.UUID, dryRun bool) (*Result, error) {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load job: %w", err)
	}

	snap, err := r.snaps.GetLatestForJob(ctx, jobID)
	if err != nil {
		return &Result{JobID: jobID, DryRun: dryRun, Issues: []Issue{
			{Severity: SeverityInfo, Code: "no_snapshots", Message: "job has no snapshots"},
		}}, nil
	}

	res := &Result{JobID: jobID, DryRun: dryRun}

	if job.Kind == metadata.JobKindArchive {
		r.reconcileArchive(ctx, job, snap, dryRun, res)
	} else {
		r.reconcileIncremental(ctx, job, snap, dryRun, res)
	}

	return res, nil
}

// reconcileArchive implements section 4.5 step 2.
func (r *Reconciler) reconcileArchive(ctx context.Context, job *metadata.Job, snap *metadata.Snapshot, dryRun bool, res *Result) {
	expectedKey := archiveKey(job.DestPrefix, job.Name, job.Encrypted)

	info, err := r.objects.Head(ctx, expectedKey)
	if err != nil || !info.Exists {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityCritical,
			Code:     "missing_backup",
			Message:  fmt.Sprintf("archive object %s not found", expectedKey),
			Key:      expectedKey,
		})
		if !dryRun {
			if err := r.snaps.MarkRetention(ctx, snap.ID, false, "missing_backup"); err != nil {
				r.log.Warn("reconcile: failed to unretain snapshot with a missing archive", zap.Error(err))
			} else {
				res.Actions = append(res.Actions, fmt.Sprintf("unretained snapshot %s (missing archive)", snap.ID))
			}
		}
		return
	}

	if snap.ManifestKey != expectedKey {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityWarning,
			Code:     "key_mismatch",
			Message:  fmt.Sprintf("snapshot recorded key %s, expected %s", snap.ManifestKey, expectedKey),
			Key:      expectedKey,
		})
		if !dryRun {
			snap.ManifestKey = expectedKey
			if err := r.updateSnapshotKey(ctx, snap); err != nil {
				r.log.Warn("reconcile: failed to repair snapshot key", zap.Error(err))
			} else {
				res.Actions = append(res.Actions, fmt.Sprintf("repaired snapshot %s key to %s", snap.ID, expectedKey))
			}
		}
	}
}

// reconcileIncremental implements section 4.5 step 3.
func (r *Reconciler) reconcileIncremental(ctx context.Context, job *metadata.Job, snap *metadata.Snapshot, dryRun bool, res *Result) {
	canonicalKey := manifest.CanonicalKey(job.DestPrefix, job.Name)

	m, err := r.manifests.Load(ctx, canonicalKey, nil)
	if err != nil {
		r.log.Warn("reconcile: manifest load failed, treating as missing", zap.Error(err))
		m = nil
	}

	if m == nil {
		rebuilt, rebuildErr := r.rebuildManifest(ctx, job, snap, canonicalKey)
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityInfo,
			Code:     "manifest_rebuilt",
			Message:  fmt.Sprintf("manifest missing at %s, rebuilt from object listing", canonicalKey),
			Key:      canonicalKey,
		})
		if rebuildErr != nil {
			r.log.Warn("reconcile: manifest rebuild failed", zap.Error(rebuildErr))
			return
		}
		if !dryRun {
			if err := r.manifests.Save(ctx, canonicalKey, rebuilt, nil); err != nil {
				r.log.Warn("reconcile: failed to persist rebuilt manifest", zap.Error(err))
			} else {
				res.Actions = append(res.Actions, fmt.Sprintf("persisted rebuilt manifest at %s", canonicalKey))
			}
		}
		m = rebuilt
	}

	seen := make(map[string]bool, len(m.Files))
	prefix := path.Join(job.DestPrefix, job.Name) + "/"

	for rel, entry := range m.Files {
		seen[entry.S3Key] = true
		info, err := r.objects.Head(ctx, entry.S3Key)
		if err != nil || !info.Exists {
			res.Issues = append(res.Issues, Issue{
				Severity: SeverityCritical,
				Code:     "files_missing",
				Message:  fmt.Sprintf("manifest entry %s (%s) not found in object store", rel, entry.S3Key),
				Key:      entry.S3Key,
			})
			continue
		}
		if info.Size != entry.Size {
			res.Issues = append(res.Issues, Issue{
				Severity: SeverityWarning,
				Code:     "files_mismatched",
				Message:  fmt.Sprintf("manifest entry %s (%s) size %d does not match stored size %d", rel, entry.S3Key, entry.Size, info.Size),
				Key:      entry.S3Key,
			})
		}
	}

	listing, err := r.objects.List(ctx, prefix)
	if err != nil {
		r.log.Warn("reconcile: listing object store prefix failed", zap.Error(err))
		return
	}
	for _, obj := range listing {
		if obj.Key == canonicalKey || seen[obj.Key] {
			continue
		}
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityWarning,
			Code:     "files_orphaned",
			Message:  fmt.Sprintf("object %s present in store but not named by any manifest entry", obj.Key),
			Key:      obj.Key,
		})
	}

	if snap.ManifestKey != canonicalKey {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityWarning,
			Code:     "key_mismatch",
			Message:  fmt.Sprintf("snapshot recorded manifest key %s, expected %s", snap.ManifestKey, canonicalKey),
			Key:      canonicalKey,
		})
		if !dryRun {
			snap.ManifestKey = canonicalKey
			if err := r.updateSnapshotKey(ctx, snap); err != nil {
				r.log.Warn("reconcile: failed to repair snapshot manifest key", zap.Error(err))
			} else {
				res.Actions = append(res.Actions, fmt.Sprintf("repaired snapshot %s manifest key to %s", snap.ID, canonicalKey))
			}
		}
	}
}

func (r *Reconciler) rebuildManifest(ctx context.Context, job *metadata.Job, snap *metadata.Snapshot, canonicalKey string) (*manifest.Manifest, error) {
	prefix := path.Join(job.DestPrefix, job.Name)
	listing, err := r.objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list prefix for rebuild: %w", err)
	}
	return manifest.Rebuild(snap.ID.String(), job.ID.String(), job.DestPrefix, job.Name, listing), nil
}

// updateSnapshotKey persists a repaired ManifestKey, per section 4.5 steps
// 2 and 3d ("if the snapshot's recorded key differs from the expected/
// canonical one: repair it").
func (r *Reconciler) updateSnapshotKey(ctx context.Context, snap *metadata.Snapshot) error {
	return r.snaps.UpdateManifestKey(ctx, snap.ID, snap.ManifestKey)
}

func archiveKey(prefix, name string, encrypted bool) string {
	suffix := ".tar.gz"
	if encrypted {
		suffix += ".enc"
	}
	return path.Join(prefix, name+suffix)
}
