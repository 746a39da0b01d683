package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// fakeS3 is an in-memory stand-in for S3API, in the spirit of
// gurre-ddb-pitr/integration/mock/s3client.go.
type fakeS3 struct {
	objects map[string][]byte

	failUploadPart   bool
	abortedUploadIDs []string
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
	etag := fmt.Sprintf("%x", len(data))
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
	var contents []types.Object
	for k, v := range f.objects {
		size := int64(len(v))
		key := k
		contents = append(contents, types.Object{Key: &key, Size: &size})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-1"
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.failUploadPart {
		return nil, fmt.Errorf("fakeS3: simulated part upload failure")
	}
	etag := "part-etag"
	return &s3.UploadPartOutput{ETag: &etag}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortedUploadIDs = append(f.abortedUploadIDs, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, _ ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	return &s3.RestoreObjectOutput{}, nil
}

func TestUploadAndHeadSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/file.txt"
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	api := newFakeS3()
	client := New(api, "bucket", DefaultConfig(), zap.NewNop())

	var progressCalls int
	err := client.Upload(context.Background(), path, "jobs/a/file.txt", StorageHot, func(n, total int64) {
		progressCalls++
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if progressCalls == 0 {
		t.Error("expected at least one progress callback")
	}

	info, err := client.Head(context.Background(), "jobs/a/file.txt")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !info.Exists || info.Size != int64(len("hello world")) {
		t.Errorf("unexpected head info: %+v", info)
	}
}

func TestHeadMissingObject(t *testing.T) {
	client := New(newFakeS3(), "bucket", DefaultConfig(), zap.NewNop())
	info, err := client.Head(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.Exists {
		t.Error("expected Exists=false for missing object")
	}
}

func TestVerifyUploadSizeMismatch(t *testing.T) {
	api := newFakeS3()
	api.objects["k"] = []byte("1234")
	client := New(api, "bucket", DefaultConfig(), zap.NewNop())

	ok, err := client.VerifyUpload(context.Background(), "k", 999)
	if err != nil {
		t.Fatalf("VerifyUpload: %v", err)
	}
	if ok {
		t.Error("expected mismatch to report ok=false")
	}
}

func TestListReturnsAllEntries(t *testing.T) {
	api := newFakeS3()
	api.objects["p/a"] = []byte("a")
	api.objects["p/b"] = []byte("bb")
	client := New(api, "bucket", DefaultConfig(), zap.NewNop())

	entries, err := client.List(context.Background(), "p/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestUploadAbortsMultipartUploadOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/big.bin"
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 16*1024*1024), 0644); err != nil {
		t.Fatal(err)
	}

	api := newFakeS3()
	api.failUploadPart = true
	cfg := DefaultConfig()
	cfg.RetryPolicy.MaxAttempts = 1
	client := New(api, "bucket", cfg, zap.NewNop())

	err := client.Upload(context.Background(), path, "jobs/a/big.bin", StorageHot, nil)
	if err == nil {
		t.Fatal("expected multipart upload to fail")
	}
	if len(api.abortedUploadIDs) != 1 {
		t.Fatalf("expected exactly one AbortMultipartUpload call, got %d", len(api.abortedUploadIDs))
	}
	if api.abortedUploadIDs[0] != "upload-1" {
		t.Errorf("aborted upload id = %q, want %q", api.abortedUploadIDs[0], "upload-1")
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	api := newFakeS3()
	api.objects["k"] = []byte("payload")
	client := New(api, "bucket", DefaultConfig(), zap.NewNop())

	dir := t.TempDir()
	dest := dir + "/out.bin"
	if err := client.Download(context.Background(), "k", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q, want %q", data, "payload")
	}
}
