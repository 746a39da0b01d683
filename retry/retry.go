// Package retry implements the retry-with-backoff primitive described in
// section 4.1 of the design specification. It classifies errors as
// retryable or permanent and drives a bounded retry loop with jittered
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// retryableCodes are the named object-store error codes that are safe to
// retry, per section 4.1. Torn-down multipart uploads (NoSuchUpload,
// InvalidUpload) are included because a previous attempt may have left
// an in-flight upload id that the next attempt will re-establish.
var retryableCodes = map[string]bool{
	"ServiceUnavailable":      true,
	"InternalError":           true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"Throttling":              true,
	"SlowDown":                true,
	"NoSuchUpload":            true,
	"InvalidUpload":           true,
}

// permanentCodes are never retried regardless of message content.
var permanentCodes = map[string]bool{
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"InvalidParameterValue": true,
	"InvalidRequest":        true,
	"MalformedXML":          true,
	"InvalidArgument":       true,
}

// retryableSubstrings catches transport-level errors the SDK does not
// expose as a typed API error.
var retryableSubstrings = []string{
	"timeout", "connection", "network", "temporary", "throttl", "rate limit",
}

// IsRetryable classifies err per section 4.1's rules. A nil error is not
// retryable (there is nothing to retry).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if permanentCodes[code] {
			return false
		}
		if retryableCodes[code] {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableSubstrings {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first; must be >= 1
	BaseDelay   time.Duration // delay for attempt 0, before jitter
	MaxDelay    time.Duration // clamp applied after doubling, before jitter
}

// DefaultPolicy mirrors original_source/app/retry_utils.py's defaults:
// base=2s (doubled per attempt), max_delay=60s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// Backoff computes the delay before attempt (0-indexed) per section 4.1:
// min(max_delay, base*2^attempt) + uniform_jitter(0, 0.1*delay).
func Backoff(p Policy, attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

// Observer is invoked after each failed attempt, before the backoff sleep.
// Implementations typically log the attempt number and error.
type Observer func(attempt int, err error, nextDelay time.Duration)

// Do runs op up to p.MaxAttempts times. A retryable failure sleeps for
// Backoff(p, attempt) and tries again; a permanent failure or exhaustion
// returns the last error immediately. ctx cancellation aborts the wait
// and returns ctx.Err().
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, observe Observer) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := Backoff(p, attempt)
		if observe != nil {
			observe(attempt, lastErr, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
