package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/retry"
)

// Config holds the tunables named in section 6 EXTERNAL INTERFACES:
// multipart threshold and chunk size, upload concurrency, progress
// interval, retry bounds. It has no connect/read timeout settings.
type Config struct {
	MultipartThreshold int64 // bytes; files at or above this size use multipart upload
	PartSize           int64 // bytes per part
	UploadConcurrency  int   // parallel part uploads
	ProgressEvery      int64 // minimum bytes between progress callback invocations
	RetryPolicy        retry.Policy
}

// DefaultConfig matches section 4.2's stated defaults (8 MiB threshold,
// progress no less often than every 10 MiB).
func DefaultConfig() Config {
	return Config{
		MultipartThreshold: 8 * 1024 * 1024,
		PartSize:           8 * 1024 * 1024,
		UploadConcurrency:  4,
		ProgressEvery:      10 * 1024 * 1024,
		RetryPolicy:        retry.DefaultPolicy(),
	}
}

// ProgressFunc is invoked during upload, at least every cfg.ProgressEvery
// bytes transferred, and once on completion.
type ProgressFunc func(bytesTransferred, totalBytes int64)

// ObjectInfo is the result of Head.
type ObjectInfo struct {
	Exists       bool
	Size         int64
	Class        StorageClass
	LastModified time.Time
	ETag         string
}

// ListEntry describes one object returned by List.
type ListEntry struct {
	Key          string
	Size         int64
	Class        StorageClass
	LastModified time.Time
}

// Client wraps an S3API with the retry, multipart, and verification
// behavior section 4.2 requires. The caller is responsible for disabling
// the underlying SDK's own retry (RetryMaxAttempts = 1; the SDK ignores 0)
// when constructing the API client, so that this package is the single source
// of retry policy, per section 4.1.
type Client struct {
	api    S3API
	bucket string
	cfg    Config
	log    *zap.Logger
}

// New constructs a Client bound to a single bucket.
func New(api S3API, bucket string, cfg Config, log *zap.Logger) *Client {
	return &Client{api: api, bucket: bucket, cfg: cfg, log: log}
}

// Upload sends local to key under the configured storage class. Files at
// or above cfg.MultipartThreshold use the SDK's multipart manager.Uploader
// (part size and concurrency from cfg); smaller files use a single
// PutObject. The whole operation is wrapped in the retry package; on a
// multipart failure abortOrphanedUpload retains the upload id the manager
// generated and explicitly aborts it, per section 4.2.
func (c *Client) Upload(ctx context.Context, localPath, key string, class StorageClass, progress ProgressFunc) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("objectstore: stat %s: %w", localPath, err)
	}
	total := info.Size()

	return retry.Do(ctx, c.cfg.RetryPolicy, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("objectstore: open %s: %w", localPath, err)
		}
		defer f.Close()

		var body io.Reader = f
		if progress != nil {
			body = &progressReader{r: f, total: total, every: c.cfg.ProgressEvery, fn: progress}
		}

		if total >= c.cfg.MultipartThreshold {
			uploader := manager.NewUploader(apiAsUploadAPI{c.api}, func(u *manager.Uploader) {
				u.PartSize = c.cfg.PartSize
				u.Concurrency = c.cfg.UploadConcurrency
				// Cleanup is driven explicitly by abortOrphanedUpload below,
				// which retains the failed upload's id the same way
				// original_source/app/aws.py's multipart_uploads map does,
				// rather than leaving it to the manager's own implicit abort.
				u.LeavePartsOnError = true
			})
			_, err = uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket:       &c.bucket,
				Key:          &key,
				Body:         body,
				StorageClass: class.toS3(),
			})
			if err != nil {
				c.abortOrphanedUpload(ctx, key, err)
				return fmt.Errorf("objectstore: multipart upload %s: %w", key, err)
			}
			if progress != nil {
				progress(total, total)
			}
			return nil
		}

		_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       &c.bucket,
			Key:          &key,
			Body:         body,
			StorageClass: class.toS3(),
		})
		if err != nil {
			return fmt.Errorf("objectstore: put %s: %w", key, err)
		}
		if progress != nil {
			progress(total, total)
		}
		return nil
	}, c.logRetry("upload", key))
}

// abortOrphanedUpload aborts the multipart upload that failed, per section
// 4.2: "on any failure... any in-flight multipart upload id for that key is
// aborted; the tracking table is cleared," mirroring
// original_source/app/aws.py's _cleanup_multipart_uploads, which tracks the
// upload id from CreateMultipartUpload and calls abort_multipart_upload on
// it rather than rediscovering it with a list call. manager.Uploader wraps
// its failure in a manager.MultiUploadFailure carrying the same UploadID the
// SDK generated, so that is retained here instead of re-listing objects.
func (c *Client) abortOrphanedUpload(ctx context.Context, key string, uploadErr error) {
	var mfe manager.MultiUploadFailure
	if !errors.As(uploadErr, &mfe) {
		return
	}
	uploadID := mfe.UploadID()
	if uploadID == "" {
		return
	}
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &c.bucket,
		Key:      &key,
		UploadId: &uploadID,
	})
	if err != nil {
		c.log.Warn("objectstore: abort orphaned multipart upload failed",
			zap.String("key", key), zap.String("upload_id", uploadID), zap.Error(err))
		return
	}
	c.log.Info("objectstore: aborted orphaned multipart upload",
		zap.String("key", key), zap.String("upload_id", uploadID))
}

// Download fetches key to localPath, wrapped in retry.
func (c *Client) Download(ctx context.Context, key, localPath string) error {
	return retry.Do(ctx, c.cfg.RetryPolicy, func(ctx context.Context) error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &c.bucket, Key: &key})
		if err != nil {
			return fmt.Errorf("objectstore: get %s: %w", key, err)
		}
		defer out.Body.Close()

		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("objectstore: create %s: %w", localPath, err)
		}
		defer f.Close()

		if _, err := io.Copy(f, out.Body); err != nil {
			return fmt.Errorf("objectstore: write %s: %w", localPath, err)
		}
		return nil
	}, c.logRetry("download", key))
}

// Head returns object metadata, or Exists=false if the object is absent.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := retry.Do(ctx, c.cfg.RetryPolicy, func(ctx context.Context) error {
		out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &c.bucket, Key: &key})
		if err != nil {
			if isNotFound(err) {
				info = ObjectInfo{Exists: false}
				return nil
			}
			return fmt.Errorf("objectstore: head %s: %w", key, err)
		}
		info = ObjectInfo{
			Exists:       true,
			Size:         deref(out.ContentLength),
			Class:        storageClassFromS3(out.StorageClass),
			LastModified: derefTime(out.LastModified),
			ETag:         strings.Trim(deref2(out.ETag), `"`),
		}
		return nil
	}, c.logRetry("head", key))
	return info, err
}

// List pages through the entire prefix, per section 4.2: "callers rely on
// completeness for reconciliation."
func (c *Client) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	var entries []ListEntry
	var token *string

	for {
		var page *s3.ListObjectsV2Output
		err := retry.Do(ctx, c.cfg.RetryPolicy, func(ctx context.Context) error {
			out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            &c.bucket,
				Prefix:            &prefix,
				ContinuationToken: token,
			})
			if err != nil {
				return fmt.Errorf("objectstore: list %s: %w", prefix, err)
			}
			page = out
			return nil
		}, c.logRetry("list", prefix))
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			entries = append(entries, ListEntry{
				Key:          deref2(obj.Key),
				Size:         deref(obj.Size),
				Class:        storageClassFromS3(obj.StorageClass),
				LastModified: derefTime(obj.LastModified),
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	return entries, nil
}

// InitiateColdRestore issues a rehydration request for a cold-tier object.
func (c *Client) InitiateColdRestore(ctx context.Context, key string, tier RestoreTier, days int32) error {
	return retry.Do(ctx, c.cfg.RetryPolicy, func(ctx context.Context) error {
		_, err := c.api.RestoreObject(ctx, &s3.RestoreObjectInput{
			Bucket: &c.bucket,
			Key:    &key,
			RestoreRequest: &types.RestoreRequest{
				Days: &days,
				GlacierJobParameters: &types.GlacierJobParameters{
					Tier: types.Tier(tier),
				},
			},
		})
		if err != nil && !isAlreadyRestoring(err) {
			return fmt.Errorf("objectstore: initiate restore %s: %w", key, err)
		}
		return nil
	}, c.logRetry("initiate-cold-restore", key))
}

// CheckColdRestore reports whether a previously-initiated restore has
// completed, by parsing the x-amz-restore HEAD response header
// (`ongoing-request="true|false"`), per original_source/app/aws.py's
// check_restore_status.
func (c *Client) CheckColdRestore(ctx context.Context, key string) (RestoreState, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		return RestoreNone, fmt.Errorf("objectstore: head for restore status %s: %w", key, err)
	}
	if out.Restore == nil {
		return RestoreNone, nil
	}
	if strings.Contains(*out.Restore, `ongoing-request="true"`) {
		return RestoreInProgress, nil
	}
	if strings.Contains(*out.Restore, `ongoing-request="false"`) {
		return RestoreReady, nil
	}
	return RestoreNone, nil
}

// VerifyUpload issues a HEAD and compares the reported size against
// expectedSize, per section 4.2: "mismatch is logged but does not fail
// the upload." Returns whether the sizes matched.
func (c *Client) VerifyUpload(ctx context.Context, key string, expectedSize int64) (bool, error) {
	info, err := c.Head(ctx, key)
	if err != nil {
		return false, err
	}
	if !info.Exists {
		c.log.Warn("objectstore: post-upload verification found no object", zap.String("key", key))
		return false, nil
	}
	if info.Size != expectedSize {
		c.log.Warn("objectstore: post-upload size mismatch",
			zap.String("key", key), zap.Int64("expected", expectedSize), zap.Int64("actual", info.Size))
		return false, nil
	}
	return true, nil
}

func (c *Client) logRetry(op, key string) retry.Observer {
	if c.log == nil {
		return nil
	}
	return func(attempt int, err error, next time.Duration) {
		c.log.Warn("objectstore: retrying",
			zap.String("op", op), zap.String("key", key),
			zap.Int("attempt", attempt), zap.Duration("next_delay", next), zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return asNotFound(err)
}

func isAlreadyRestoring(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "restorealreadyinprogress")
}
