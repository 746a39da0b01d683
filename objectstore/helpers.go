package objectstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func deref2(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// progressReader wraps an io.Reader and invokes fn at least every `every`
// bytes, per section 4.2's "no less than every 10 MiB" contract.
type progressReader struct {
	r            io.Reader
	total        int64
	every        int64
	fn           ProgressFunc
	read         int64
	sinceCall    int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.sinceCall += int64(n)
		if p.sinceCall >= p.every {
			p.fn(p.read, p.total)
			p.sinceCall = 0
		}
	}
	return n, err
}

// apiAsUploadAPI adapts S3API to manager.UploadAPIClient, the narrower
// interface the SDK's multipart manager needs.
type apiAsUploadAPI struct{ api S3API }

func (a apiAsUploadAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return a.api.PutObject(ctx, params, optFns...)
}

func (a apiAsUploadAPI) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return a.api.UploadPart(ctx, params, optFns...)
}

func (a apiAsUploadAPI) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return a.api.CreateMultipartUpload(ctx, params, optFns...)
}

func (a apiAsUploadAPI) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return a.api.CompleteMultipartUpload(ctx, params, optFns...)
}

func (a apiAsUploadAPI) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return a.api.AbortMultipartUpload(ctx, params, optFns...)
}

func asNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return false
}
