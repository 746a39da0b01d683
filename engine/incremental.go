package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratavault/stratavault/cancel"
	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/objectstore"
	"github.com/stratavault/stratavault/retry"
)

// Options configures a single incremental engine invocation, gathering the
// environment/configuration items section 6 lists (credentials and bucket
// are already bound into Objects; this carries only per-job knobs).
type Options struct {
	SourcePaths   []string
	IncludeGlobs  []string
	ExcludeGlobs  []string
	DestPrefix    string
	Name          string
	Class         objectstore.StorageClass
	EncKey        *encryption.Key
	ScanPool      int // default 4, per section 4.4.2
	UploadPool    int // default 4, per section 4.4.2
	RetryPolicy   retry.Policy
	Objects       *objectstore.Client
	Manifests     *manifest.Store
	Log           *zap.Logger
}

func (o Options) scanPool() int {
	if o.ScanPool > 0 {
		return o.ScanPool
	}
	return 4
}

func (o Options) uploadPool() int {
	if o.UploadPool > 0 {
		return o.UploadPool
	}
	return 4
}

// Result is the outcome of an incremental run, matching section 4.4.2
// step 6's return contract. S3Key and ManifestKey are nil in the no-op
// short-circuit (section 4.4.2 step 3).
type Result struct {
	SnapshotID         string
	SizeBytes          int64
	FilesCount         int64
	S3Key              *string
	ManifestKey        *string
	FilesUnchanged     int64
	TotalFilesScanned  int64
	UploadErrors       int64
}

// scanItem is one discovered source file, passed from scan to the
// change-detection pool.
type scanItem struct {
	localPath string
	relPath   string
}

// changedFile is a scanItem paired with its freshly computed signature,
// queued for upload.
type changedFile struct {
	scanItem
	sig manifest.FileEntry
}

// RunIncremental executes the phase sequence of section 4.4.2. tok is
// polled at every suspension point named in section 5; cancellation
// between scan and upload yields no manifest write (section 4.4.5).
func RunIncremental(ctx context.Context, snapshotID string, opts Options, tok *cancel.Token) (Result, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	canonicalKey := manifest.CanonicalKey(opts.DestPrefix, opts.Name)

	// Step 1: load previous manifest.
	prev, err := opts.Manifests.Load(ctx, canonicalKey, opts.EncKey)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load previous manifest: %w", err)
	}
	prevFiles := map[string]manifest.FileEntry{}
	if prev != nil {
		prevFiles = prev.Files
	}

	if tok.Cancelled() {
		return Result{}, errCancelled("between manifest load and scan")
	}

	// Step 2: scan, bounded by opts.scanPool().
	stats := NewRunStats()
	items := walkSources(opts.SourcePaths, opts.IncludeGlobs, opts.ExcludeGlobs, log)

	changed, err := detectChanges(ctx, items, prevFiles, opts.scanPool(), stats, tok)
	if err != nil {
		return Result{}, err
	}

	if tok.Cancelled() {
		return Result{}, errCancelled("between scan and upload")
	}

	snap := stats.Snapshot()

	// Step 3: no-op short-circuit.
	if len(changed) == 0 {
		return Result{
			SnapshotID:        snapshotID,
			SizeBytes:         0,
			FilesCount:        0,
			S3Key:             nil,
			ManifestKey:       nil,
			FilesUnchanged:    snap.Unchanged,
			TotalFilesScanned: snap.TotalScanned,
			UploadErrors:      0,
		}, nil
	}

	// Step 4: upload, bounded by opts.uploadPool(), with a second-chance
	// retry queue for retryable errors drained after the main wave.
	uploaded, uploadErrors := uploadChanged(ctx, changed, opts, stats, tok)

	if tok.Cancelled() {
		return Result{}, errCancelled("during upload")
	}

	// Step 5: manifest write — union of previous entries and newly
	// uploaded ones; unchanged entries retain their previous destination
	// key verbatim.
	newManifest := &manifest.Manifest{
		SnapshotID: snapshotID,
		CreatedAt:  time.Now().UTC(),
		JobID:      opts.Name,
		Files:      make(map[string]manifest.FileEntry, len(prevFiles)+len(uploaded)),
	}
	for rel, entry := range prevFiles {
		newManifest.Files[rel] = entry
	}
	var sizeUploaded int64
	for rel, entry := range uploaded {
		newManifest.Files[rel] = entry
		sizeUploaded += entry.Size
	}
	newManifest.TotalFiles = len(newManifest.Files)

	if err := opts.Manifests.Save(ctx, canonicalKey, newManifest, opts.EncKey); err != nil {
		return Result{}, fmt.Errorf("engine: write manifest: %w", err)
	}

	destPrefix := opts.DestPrefix + "/" + opts.Name
	return Result{
		SnapshotID:        snapshotID,
		SizeBytes:         sizeUploaded,
		FilesCount:        int64(len(uploaded)),
		S3Key:             &destPrefix,
		ManifestKey:       &canonicalKey,
		FilesUnchanged:    snap.Unchanged,
		TotalFilesScanned: snap.TotalScanned,
		UploadErrors:      uploadErrors,
	}, nil
}

type cancelledError struct{ at string }

func (e *cancelledError) Error() string { return "engine: cancelled " + e.at }

func errCancelled(at string) error { return &cancelledError{at: at} }

// IsCancelled reports whether err represents cooperative cancellation,
// distinguished from a real failure per section 7's error-kind taxonomy.
func IsCancelled(err error) bool {
	_, ok := err.(*cancelledError)
	return ok
}

// walkSources walks every source path, applying include/exclude globs at
// directory and file granularity (matching directories are pruned), per
// section 4.4.2 step 2.
func walkSources(roots []string, includes, excludes []string, log *zap.Logger) <-chan scanItem {
	out := make(chan scanItem, 64)
	go func() {
		defer close(out)
		for _, root := range roots {
			root := root
			err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					log.Warn("engine: walk error", zap.String("path", p), zap.Error(err))
					return nil
				}
				rel, relErr := filepath.Rel(root, p)
				if relErr != nil {
					return nil
				}
				if d.IsDir() {
					if rel != "." && matchesAny(excludes, rel) {
						return filepath.SkipDir
					}
					return nil
				}
				if matchesAny(excludes, rel) {
					return nil
				}
				if len(includes) > 0 && !matchesAny(includes, rel) {
					return nil
				}
				out <- scanItem{localPath: p, relPath: filepath.ToSlash(rel)}
				return nil
			})
			if err != nil {
				log.Warn("engine: walk root failed", zap.String("root", root), zap.Error(err))
			}
		}
	}()
	return out
}

func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// detectChanges runs a bounded pool of signature computations against
// items, comparing each against prevFiles, per section 4.4.1's unchanged
// rule. Results are independent of item order (section 4.4.4).
func detectChanges(ctx context.Context, items <-chan scanItem, prevFiles map[string]manifest.FileEntry, pool int, stats *RunStats, tok *cancel.Token) (map[string]changedFile, error) {
	started := time.Now()
	defer func() { stats.AddScanDuration(time.Since(started)) }()

	results := make(chan changedFile, 64)
	var wg sync.WaitGroup
	wg.Add(pool)
	for i := 0; i < pool; i++ {
		go func() {
			defer wg.Done()
			for item := range items {
				if tok.Cancelled() {
					continue
				}
				stats.AddTotalScanned(1)

				sig, err := ComputeSignature(item.localPath)
				if err != nil {
					stats.AddSkipped(1)
					continue
				}

				prev, existed := prevFiles[item.relPath]
				if existed && prevEqualsSig(prev, sig) {
					stats.AddUnchanged(1)
					continue
				}

				stats.AddToBackup(1)
				mtime := sig.Mtime
				hash := sig.Hash
				results <- changedFile{
					scanItem: item,
					sig: manifest.FileEntry{
						Size:  sig.Size,
						Mtime: &mtime,
						Hash:  &hash,
					},
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	changed := make(map[string]changedFile)
	for c := range results {
		changed[c.relPath] = c
	}
	if ctx.Err() != nil {
		return changed, ctx.Err()
	}
	return changed, nil
}

func prevEqualsSig(prev manifest.FileEntry, sig Signature) bool {
	if prev.Size != sig.Size {
		return false
	}
	if prev.Mtime == nil || *prev.Mtime != sig.Mtime {
		return false
	}
	if prev.Hash == nil || *prev.Hash != sig.Hash {
		return false
	}
	return true
}

// uploadChanged uploads every changed file to its deterministic
// destination key, bounded by opts.uploadPool(). Retryable failures are
// collected into a second-chance queue drained once after the main wave,
// per section 4.4.2 step 4.
func uploadChanged(ctx context.Context, changed map[string]changedFile, opts Options, stats *RunStats, tok *cancel.Token) (map[string]manifest.FileEntry, int64) {
	started := time.Now()
	defer func() { stats.AddUploadDuration(time.Since(started)) }()

	type job struct {
		rel  string
		file changedFile
	}

	jobs := make(chan job, len(changed))
	for rel, f := range changed {
		jobs <- job{rel: rel, file: f}
	}
	close(jobs)

	var mu sync.Mutex
	uploaded := make(map[string]manifest.FileEntry, len(changed))
	var failed []job
	var errCount int64

	var wg sync.WaitGroup
	pool := opts.uploadPool()
	wg.Add(pool)
	for i := 0; i < pool; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if tok.Cancelled() {
					continue
				}
				entry, err := uploadOne(ctx, j.rel, j.file, opts, stats)
				if err != nil {
					mu.Lock()
					if retry.IsRetryable(err) {
						failed = append(failed, j)
					} else {
						errCount++
					}
					mu.Unlock()
					continue
				}
				mu.Lock()
				uploaded[j.rel] = entry
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Second-chance pass, sequential; each item's upload is again wrapped
	// in retry.Do with opts.RetryPolicy backoff, with no extra wait between
	// items.
	for _, j := range failed {
		if tok.Cancelled() {
			errCount += int64(len(failed))
			break
		}
		entry, err := uploadOne(ctx, j.rel, j.file, opts, stats)
		if err != nil {
			errCount++
			continue
		}
		uploaded[j.rel] = entry
	}

	return uploaded, errCount
}

func uploadOne(ctx context.Context, rel string, f changedFile, opts Options, stats *RunStats) (manifest.FileEntry, error) {
	destKey := opts.DestPrefix + "/" + opts.Name + "/" + rel

	uploadPath := f.localPath
	var cleanup func()
	if opts.EncKey != nil {
		tmp, err := os.CreateTemp("", "stratavault-enc-*")
		if err != nil {
			return manifest.FileEntry{}, fmt.Errorf("engine: stage encrypted temp: %w", err)
		}
		tmp.Close()
		if err := encryption.EncryptFile(*opts.EncKey, f.localPath, tmp.Name()); err != nil {
			os.Remove(tmp.Name())
			return manifest.FileEntry{}, fmt.Errorf("engine: encrypt %s: %w", rel, err)
		}
		uploadPath = tmp.Name()
		cleanup = func() { os.Remove(tmp.Name()) }
	}
	if cleanup != nil {
		defer cleanup()
	}

	err := retry.Do(ctx, opts.RetryPolicy, func(ctx context.Context) error {
		return opts.Objects.Upload(ctx, uploadPath, destKey, opts.Class, nil)
	}, nil)
	if err != nil {
		return manifest.FileEntry{}, err
	}

	stats.AddBytesUploaded(f.sig.Size)
	entry := f.sig
	entry.S3Key = destKey
	return entry, nil
}
