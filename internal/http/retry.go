package http

import (
	"context"
	"errors"
	"math/rand"
	"net"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/constants"
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeRateLimited indicates a 429 carrying a usable reset header
	ErrorTypeRateLimited
	// ErrorTypeNetwork indicates network/connection issues (connection lost, timeouts, CORS)
	ErrorTypeNetwork
	// ErrorTypeRetryable indicates server errors that can be retried (5xx)
	ErrorTypeRetryable
	// ErrorTypeAborted indicates the caller cancelled the operation
	ErrorTypeAborted
	// ErrorTypeFatal indicates errors that must not be retried (4xx, 429 without reset header)
	ErrorTypeFatal
)

// RetryContext describes a retry that is about to happen.
type RetryContext struct {
	Attempt int           // 1-based retry number
	Reason  ErrorType     // classification of the failure being retried
	Delay   time.Duration // wait before the next attempt
	Err     error         // the failure being retried
}

// RetryOptions configures RetryWithBackoff
type RetryOptions struct {
	// MaxRetries is the maximum number of retries after the first attempt.
	// Zero uses the default (5); a negative value disables retries.
	MaxRetries int
	// InitialDelay is the first step of the exponential schedule (default: 1s)
	InitialDelay time.Duration
	// MaxDelay caps the exponential schedule before jitter (default: 10s)
	MaxDelay time.Duration
	// OnRetry is invoked before each wait. It runs on its own goroutine and
	// cannot delay the retry.
	OnRetry func(RetryContext)
	// Wait sleeps for d or until ctx is done. Tests replace it to observe delays.
	Wait func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions returns RetryOptions with the bridge defaults
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   constants.MaxRetries,
		InitialDelay: constants.RetryBaseDelay,
		MaxDelay:     constants.RetryMaxDelay,
		Wait:         SleepContext,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = d.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Wait == nil {
		o.Wait = d.Wait
	}
	return o
}

// SleepContext waits for d, returning ErrAbortedByUser if ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return storage.ErrAbortedByUser
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return storage.ErrAbortedByUser
	case <-timer.C:
		return nil
	}
}

// RateLimitDelay parses the reset header (milliseconds) into a delay.
// ok is false when the header is missing or not a non-negative integer.
func RateLimitDelay(h nethttp.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(constants.RateLimitResetHeader))
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// ClassifyError determines the error type for retry strategy.
// Priority: abort, rate limit, network, server, everything else fatal.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	if errors.Is(err, storage.ErrAbortedByUser) || errors.Is(err, context.Canceled) {
		return ErrorTypeAborted
	}

	var statusErr *storage.UnexpectedStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == nethttp.StatusTooManyRequests:
			if _, ok := RateLimitDelay(statusErr.Header); ok {
				return ErrorTypeRateLimited
			}
			return ErrorTypeFatal
		case statusErr.StatusCode >= 500:
			return ErrorTypeRetryable
		default:
			return ErrorTypeFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || storage.IsNetworkError(err) {
		return ErrorTypeNetwork
	}

	return ErrorTypeFatal
}

// CalculateBackoff returns exponential backoff duration with full jitter
//
// Formula: random(0, min(maxDelay, initialDelay * 2^(attempt-1)))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := maxDelay
	if attempt < 32 {
		if step := time.Duration(1<<uint(attempt-1)) * initialDelay; step > 0 && step < maxDelay {
			base = step
		}
	}
	if base <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(base)))
}

// RetryWithBackoff runs op until it succeeds, fails with a non-retryable
// error, or has been retried MaxRetries times.
//
// Retry strategy:
//   - 429 with a valid reset header: wait exactly that long; the exponential schedule does not advance
//   - Network and 5xx errors: exponential backoff with full jitter
//   - Everything else: return immediately
//   - Context cancellation: return ErrAbortedByUser
//
// When retries run out the last error is returned unchanged.
func RetryWithBackoff[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	opts = opts.withDefaults()

	var zero T
	backoffStep := 0

	for retry := 0; ; retry++ {
		if ctx.Err() != nil {
			return zero, storage.ErrAbortedByUser
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		errType := ClassifyError(err)
		var delay time.Duration

		switch errType {
		case ErrorTypeAborted:
			return zero, storage.ErrAbortedByUser
		case ErrorTypeRateLimited:
			var statusErr *storage.UnexpectedStatusError
			errors.As(err, &statusErr)
			delay, _ = RateLimitDelay(statusErr.Header)
		case ErrorTypeNetwork, ErrorTypeRetryable:
			backoffStep++
			delay = CalculateBackoff(backoffStep, opts.InitialDelay, opts.MaxDelay)
		default:
			return zero, err
		}

		if retry >= opts.MaxRetries {
			return zero, err
		}

		if opts.OnRetry != nil {
			go opts.OnRetry(RetryContext{Attempt: retry + 1, Reason: errType, Delay: delay, Err: err})
		}

		if werr := opts.Wait(ctx, delay); werr != nil {
			return zero, storage.ErrAbortedByUser
		}
	}
}

// Retry is RetryWithBackoff for operations without a result.
func Retry(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	_, err := RetryWithBackoff(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// =============================================================================
// retryablehttp adapters
// =============================================================================

// CheckRetry drives a retryablehttp.Client with the same policy: retry on
// transport failures, 5xx, and 429 with a reset header.
func CheckRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, storage.ErrAbortedByUser
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode == nethttp.StatusTooManyRequests {
		_, ok := RateLimitDelay(resp.Header)
		return ok, nil
	}
	if resp.StatusCode >= 500 && resp.StatusCode != nethttp.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

// Backoff honours the reset header on 429 and otherwise uses full jitter.
// retryablehttp numbers attempts from zero.
func Backoff(minDelay, maxDelay time.Duration, attemptNum int, resp *nethttp.Response) time.Duration {
	if resp != nil && resp.StatusCode == nethttp.StatusTooManyRequests {
		if d, ok := RateLimitDelay(resp.Header); ok {
			return d
		}
	}
	return CalculateBackoff(attemptNum+1, minDelay, maxDelay)
}

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeRateLimited:
		return "rate-limited"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeAborted:
		return "aborted"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
