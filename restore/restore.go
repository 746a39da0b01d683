// Package restore implements the manifest-driven restore procedure from
// section 4.6: resolve a snapshot, rehydrate cold-tier objects if needed,
// then reconstruct files at a destination path, either by extracting a
// single archive or by fetching each manifest entry in parallel.
package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

// defaultPoolSize is the bounded parallel-fetch pool size for incremental
// restores, per section 4.6 step 3 ("in parallel, default pool of 10").
const defaultPoolSize = 10

// Result is the outcome of a Run call.
type Result struct {
	ColdRestorePending bool // true if a cold-tier rehydration request was issued; caller retries later
	Downloaded         int64
	Total              int64
	Errors             []string
}

// Options configures a restore run.
type Options struct {
	DestPath   string   // local directory files are restored into
	SubsetOnly []string // optional subset of relative paths; empty means restore everything
	PoolSize   int      // default defaultPoolSize
	EncKey     *encryption.Key
}

func (o Options) poolSize() int {
	if o.PoolSize > 0 {
		return o.PoolSize
	}
	return defaultPoolSize
}

// Restorer drives section 4.6's procedure.
type Restorer struct {
	jobs      repositories.JobRepository
	snaps     repositories.SnapshotRepository
	objects   *objectstore.Client
	manifests *manifest.Store
	log       *zap.Logger
}

// New constructs a Restorer.
func New(jobs repositories.JobRepository, snaps repositories.SnapshotRepository, objects *objectstore.Client, manifests *manifest.Store, log *zap.Logger) *Restorer {
	return &Restorer{jobs: jobs, snaps: snaps, objects: objects, manifests: manifests, log: log}
}

// Run restores snap, which belongs to job, per section 4.6. snap and job
// are passed in already resolved rather than looked up by ID here; the
// one caller, the CLI restore subcommand, resolves both before calling.
func (r *Restorer) Run(ctx context.Context, job *metadata.Job, snap *metadata.Snapshot, opts Options) (*Result, error) {
	class := objectstoreClass(job.StorageClass)
	if class.IsCold() {
		return r.initiateColdRestore(ctx, job, snap)
	}

	if job.Kind == metadata.JobKindArchive {
		return r.restoreArchive(ctx, snap, opts)
	}
	return r.restoreIncremental(ctx, snap, opts)
}

func (r *Restorer) initiateColdRestore(ctx context.Context, job *metadata.Job, snap *metadata.Snapshot) (*Result, error) {
	keys := []string{snap.ManifestKey}
	if job.Kind == metadata.JobKindIncremental {
		m, err := r.manifests.Load(ctx, snap.ManifestKey, nil)
		if err != nil {
			return nil, fmt.Errorf("restore: load manifest for cold restore: %w", err)
		}
		keys = keys[:0]
		if m != nil {
			for _, entry := range m.Files {
				keys = append(keys, entry.S3Key)
			}
		}
	}

	for _, key := range keys {
		if err := r.objects.InitiateColdRestore(ctx, key, objectstore.TierStandard, 1); err != nil {
			r.log.Warn("restore: failed to initiate cold restore", zap.String("key", key), zap.Error(err))
		}
	}
	return &Result{ColdRestorePending: true, Total: int64(len(keys))}, nil
}

// restoreArchive implements section 4.6 step 2.
func (r *Restorer) restoreArchive(ctx context.Context, snap *metadata.Snapshot, opts Options) (*Result, error) {
	tmp, err := os.CreateTemp("", "stratavault-restore-archive-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if err := r.objects.Download(ctx, snap.ManifestKey, tmpPath); err != nil {
		return nil, fmt.Errorf("restore: download archive %s: %w", snap.ManifestKey, err)
	}

	plainPath := tmpPath
	if opts.EncKey != nil {
		plainPath = tmpPath + ".plain"
		defer os.Remove(plainPath)
		if err := encryption.DecryptFile(*opts.EncKey, tmpPath, plainPath); err != nil {
			return nil, fmt.Errorf("restore: decrypt archive: %w", err)
		}
	}

	n, err := extractTarGz(plainPath, opts.DestPath, opts.SubsetOnly)
	if err != nil {
		return nil, fmt.Errorf("restore: extract archive: %w", err)
	}
	return &Result{Downloaded: n, Total: n}, nil
}

// restoreIncremental implements section 4.6 step 3: download and decrypt
// the manifest, filter by subset, then fetch entries through a bounded
// pool, same shape as gurre-ddb-pitr's coordinator worker pool.
func (r *Restorer) restoreIncremental(ctx context.Context, snap *metadata.Snapshot, opts Options) (*Result, error) {
	m, err := r.manifests.Load(ctx, snap.ManifestKey, opts.EncKey)
	if err != nil {
		return nil, fmt.Errorf("restore: load manifest: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("restore: manifest %s not found", snap.ManifestKey)
	}

	type task struct {
		rel   string
		entry manifest.FileEntry
	}
	var tasks []task
	for rel, entry := range m.Files {
		if !matchesSubset(rel, opts.SubsetOnly) {
			continue
		}
		tasks = append(tasks, task{rel: rel, entry: entry})
	}

	res := &Result{Total: int64(len(tasks))}
	if len(tasks) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	queue := make(chan task)
	var wg sync.WaitGroup

	pool := opts.poolSize()
	if pool > len(tasks) {
		pool = len(tasks)
	}
	for i := 0; i < pool; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				if err := r.restoreOne(ctx, t.rel, t.entry, opts); err != nil {
					mu.Lock()
					res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t.rel, err))
					mu.Unlock()
					r.log.Warn("restore: per-file restore failed", zap.String("path", t.rel), zap.Error(err))
					continue
				}
				mu.Lock()
				res.Downloaded++
				mu.Unlock()
			}
		}()
	}

	for _, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return res, ctx.Err()
		}
	}
	close(queue)
	wg.Wait()

	return res, nil
}

func (r *Restorer) restoreOne(ctx context.Context, rel string, entry manifest.FileEntry, opts Options) error {
	tmp, err := os.CreateTemp("", "stratavault-restore-file-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if err := r.objects.Download(ctx, entry.S3Key, tmpPath); err != nil {
		return fmt.Errorf("download %s: %w", entry.S3Key, err)
	}

	destPath := filepath.Join(opts.DestPath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", destPath, err)
	}

	if opts.EncKey != nil {
		if err := encryption.DecryptFile(*opts.EncKey, tmpPath, destPath); err != nil {
			return fmt.Errorf("decrypt %s: %w", entry.S3Key, err)
		}
		return nil
	}

	return moveFile(tmpPath, destPath)
}

func matchesSubset(rel string, subset []string) bool {
	if len(subset) == 0 {
		return true
	}
	for _, s := range subset {
		if rel == s || strings.HasPrefix(rel, strings.TrimSuffix(s, "/")+"/") {
			return true
		}
	}
	return false
}

func extractTarGz(srcPath, destDir string, subset []string) (int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var n int64
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !matchesSubset(hdr.Name, subset) {
			continue
		}

		destPath := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return n, err
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return n, err
		}
		if _, err := copyAll(out, tr); err != nil {
			out.Close()
			return n, err
		}
		out.Close()
		n++
	}
	return n, nil
}

func copyAll(dst *os.File, src *tar.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func objectstoreClass(class string) objectstore.StorageClass {
	sc := objectstore.StorageClass(class)
	if !sc.Valid() {
		return objectstore.StorageHot
	}
	return sc
}
