package engine

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/metrics"
)

// ProviderError is an upstream API failure with enough context to decide
// whether retrying makes sense.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Details    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimited reports whether an error is a provider rate limit.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(errMessage(err))
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "429")
}

// IsAuthError reports 401/403 failures. These must surface immediately so
// the caller can refresh tokens.
func IsAuthError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	msg := strings.ToLower(errMessage(err))
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}

// IsValidationError reports 422-style rejections that no retry will fix.
func IsValidationError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusUnprocessableEntity {
		return true
	}
	msg := strings.ToLower(errMessage(err))
	return strings.Contains(msg, "invalid") || strings.Contains(msg, "validation")
}

// isResourceExhausted matches the Sheets API quota signal that warrants a
// longer cooldown than a plain 429.
func isResourceExhausted(err error) bool {
	return strings.Contains(strings.ToUpper(errMessage(err)), "RESOURCE_EXHAUSTED")
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// InvokeOptions configures one invocation.
type InvokeOptions struct {
	MaxRetries int
	OpName     string
}

// RateLimitedInvoker wraps provider calls with client-side rate limiting
// and retry-with-backoff. One invoker instance is shared per provider so
// the limiter actually bounds the aggregate request rate.
type RateLimitedInvoker struct {
	limiter *rate.Limiter
	metrics *metrics.MetricsRegistry

	// sleep is swappable so tests do not wait out real backoff delays.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewRateLimitedInvoker builds an invoker limited to rps requests per
// second with the given burst. metrics may be nil.
func NewRateLimitedInvoker(rps float64, burst int, m *metrics.MetricsRegistry) *RateLimitedInvoker {
	return &RateLimitedInvoker{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		metrics: m,
		sleep:   sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// Invoke runs op, retrying per the provider error taxonomy:
//   - rate limits retry with exponential backoff min(1s*2^attempt, 30s)
//     plus jitter in [0,1s); RESOURCE_EXHAUSTED gets a 3x delay
//   - validation failures never retry
//   - auth failures never retry and surface immediately
//   - anything else gets at most one retry
func (i *RateLimitedInvoker) Invoke(ctx context.Context, op func(ctx context.Context) error, opts InvokeOptions) error {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := i.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsAuthError(lastErr) || IsValidationError(lastErr) {
			return lastErr
		}

		rateLimited := IsRateLimited(lastErr)
		if !rateLimited && attempt >= 1 {
			// Unclassified errors get exactly one retry.
			return lastErr
		}
		if attempt >= maxRetries {
			return lastErr
		}

		delay := backoffDelay(attempt)
		if rateLimited && isResourceExhausted(lastErr) {
			delay *= 3
		}
		delay += i.jitter()

		if i.metrics != nil {
			i.metrics.RetryAttemptsTotal.WithLabelValues(opts.OpName).Inc()
			if rateLimited {
				i.metrics.RateLimitHitsTotal.WithLabelValues(opts.OpName).Inc()
			}
		}
		logging.Warn("retrying provider call",
			"operation", opts.OpName,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"rate_limited", rateLimited,
			"error", lastErr.Error(),
		)

		if err := i.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoffDelay is min(1s * 2^attempt, 30s) before jitter.
func backoffDelay(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchOperations chunks items into batches of at most size. Airtable
// mutations use size 10, sheet updates default to 100.
func BatchOperations[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// Airtable caps batch mutations at 10 records per request.
const AirtableBatchSize = 10

// Sheet value updates default to 100 rows per request.
const SheetBatchSize = 100
