package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures how tracker calls are retried. Transient errors
// consume attempts and back off exponentially; rate limits wait for the
// duration the server asked for and are budgeted separately; auth and
// client errors fail immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// MaxRateLimitWaits bounds how many 429 waits a single call will
	// honor. Zero means use MaxAttempts.
	MaxRateLimitWaits int
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, 2s
// initial interval doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// retryingSearcher decorates a Searcher with the retry policy.
type retryingSearcher struct {
	next   Searcher
	policy RetryPolicy

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps s so that Search applies the retry policy.
func WithRetry(s Searcher, policy RetryPolicy) Searcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy().MaxInterval
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = DefaultRetryPolicy().Multiplier
	}
	if policy.MaxRateLimitWaits <= 0 {
		policy.MaxRateLimitWaits = policy.MaxAttempts
	}
	return &retryingSearcher{
		next:   s,
		policy: policy,
		sleep:  sleepCtx,
	}
}

// newBackOff builds the transient-error schedule. BackOff instances are
// stateful, so every Search call gets a fresh one.
func (r *retryingSearcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.Multiplier = r.policy.Multiplier
	bo.RandomizationFactor = 0
	return bo
}

// Search executes the wrapped search under the retry policy.
func (r *retryingSearcher) Search(ctx context.Context, expression string) ([]RawIssue, error) {
	bo := r.newBackOff()
	attempts := 0
	rateWaits := 0

	for {
		issues, err := r.next.Search(ctx, expression)
		if err == nil {
			return issues, nil
		}

		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			// Adaptive wait dictated by the server; does not consume
			// the transient attempt budget.
			rateWaits++
			if rateWaits > r.policy.MaxRateLimitWaits {
				return nil, err
			}
			slog.Warn("Tracker rate limited, waiting",
				"wait", rle.RetryAfter,
				"rate_limit_waits", rateWaits)
			if serr := r.sleep(ctx, rle.RetryAfter); serr != nil {
				return nil, serr
			}

		case IsTransient(err):
			attempts++
			if attempts >= r.policy.MaxAttempts {
				return nil, err
			}
			wait := bo.NextBackOff()
			slog.Warn("Tracker call failed, backing off",
				"error", err,
				"attempt", attempts,
				"backoff", wait)
			if serr := r.sleep(ctx, wait); serr != nil {
				return nil, serr
			}

		default:
			// Auth and client errors, template/JSON decode problems:
			// retrying cannot help.
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
