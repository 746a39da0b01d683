package restore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/objectstore"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	n := int64(len(data))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: &n}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	etag := "etag"
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	n := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &n, StorageClass: types.StorageClassStandard}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-1"
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	etag := "part-etag"
	return &s3.UploadPartOutput{ETag: &etag}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, _ ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	return &s3.RestoreObjectOutput{}, nil
}

func newHarness(t *testing.T) (*Restorer, *fakeS3, *manifest.Store) {
	t.Helper()
	db, err := metadata.New(metadata.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("metadata.New: %v", err)
	}
	api := newFakeS3()
	client := objectstore.New(api, "bucket", objectstore.DefaultConfig(), zap.NewNop())
	store := manifest.NewStore(client, t.TempDir())
	r := New(repositories.NewJobRepository(db), repositories.NewSnapshotRepository(db), client, store, zap.NewNop())
	return r, api, store
}

func TestRestoreIncrementalFetchesEveryEntry(t *testing.T) {
	r, api, _ := newHarness(t)
	ctx := context.Background()

	api.objects["jobs/inc/a.txt"] = []byte("alpha contents")
	api.objects["jobs/inc/b.txt"] = []byte("beta contents")

	manifestKey := manifest.CanonicalKey("jobs/inc", "inc")
	m := &manifest.Manifest{
		JobID: "job-1",
		Files: map[string]manifest.FileEntry{
			"a.txt": {Size: int64(len("alpha contents")), S3Key: "jobs/inc/a.txt"},
			"b.txt": {Size: int64(len("beta contents")), S3Key: "jobs/inc/b.txt"},
		},
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	api.objects[manifestKey] = data

	job := &metadata.Job{Kind: metadata.JobKindIncremental, StorageClass: "HOT"}
	snap := &metadata.Snapshot{ManifestKey: manifestKey}

	dest := t.TempDir()
	res, err := r.Run(ctx, job, snap, Options{DestPath: dest})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Downloaded != 2 || res.Total != 2 {
		t.Errorf("got %+v, want 2/2 downloaded", res)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "alpha contents" {
		t.Errorf("got %q, want %q", got, "alpha contents")
	}
}

func TestRestoreArchiveExtractsAllEntries(t *testing.T) {
	r, api, _ := newHarness(t)
	ctx := context.Background()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("hello from the archive")
	if err := tw.WriteHeader(&tar.Header{Name: "nested/file.txt", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()
	api.objects["jobs/arc/arc.tar.gz"] = buf.Bytes()

	job := &metadata.Job{Kind: metadata.JobKindArchive, StorageClass: "HOT"}
	snap := &metadata.Snapshot{ManifestKey: "jobs/arc/arc.tar.gz"}

	dest := t.TempDir()
	res, err := r.Run(ctx, job, snap, Options{DestPath: dest})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("got Downloaded=%d, want 1", res.Downloaded)
	}

	got, err := os.ReadFile(filepath.Join(dest, "nested/file.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestRestoreColdTierInitiatesRestoreInsteadOfDownloading(t *testing.T) {
	r, _, _ := newHarness(t)
	ctx := context.Background()

	job := &metadata.Job{Kind: metadata.JobKindArchive, StorageClass: "DEEP"}
	snap := &metadata.Snapshot{ManifestKey: "jobs/cold/cold.tar.gz"}

	res, err := r.Run(ctx, job, snap, Options{DestPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ColdRestorePending {
		t.Error("expected a cold-tier job to report ColdRestorePending")
	}
}
