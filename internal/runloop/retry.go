package runloop

import (
	"context"
	"time"
)

// RetryPolicy governs how the stream loop reacts to a failed model call for
// one iteration: rate limits only retry on an explicit hint, transient
// network/timeout errors get a bounded exponential backoff.
type RetryPolicy struct {
	// MaxRetryDelayMs bounds how long a RateLimited retry_after hint may ask
	// the loop to wait before the loop gives up and fails the run instead.
	MaxRetryDelayMs int
	// MaxTransientAttempts bounds how many times a Network/Timeout error may
	// be retried within a single iteration (§4.6: up to 2).
	MaxTransientAttempts int
	// Backoff is the policy handed to ComputeBackoff; the spec's base
	// 100ms/factor 2/cap 5s maps directly onto BackoffPolicy's fields.
	Backoff BackoffPolicy
}

// DefaultRetryPolicy matches §4.6: base 100ms, factor 2, capped at 5s, at
// most 2 transient attempts per iteration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryDelayMs:      60_000,
		MaxTransientAttempts: 2,
		Backoff: BackoffPolicy{
			InitialMs: 100,
			MaxMs:     5000,
			Factor:    2,
			Jitter:    0,
		},
	}
}

// RetryOutcome tells the caller what to do after a failed attempt.
type RetryOutcome string

const (
	RetryOutcomeRetry RetryOutcome = "retry" // wait then retry; does not consume iteration budget
	RetryOutcomeFail  RetryOutcome = "fail"  // terminal: surface the error
)

// Decide evaluates a RunError against the policy and the iteration's
// transient-attempt count so far, returning whether to retry and (when
// retrying) how long to wait before the next attempt.
func (p RetryPolicy) Decide(err *RunError, transientAttempt int) (RetryOutcome, int) {
	switch err.Kind {
	case KindRateLimited:
		if err.RetryAfter == nil {
			return RetryOutcomeFail, 0
		}
		if *err.RetryAfter > p.MaxRetryDelayMs {
			return RetryOutcomeFail, 0
		}
		return RetryOutcomeRetry, *err.RetryAfter
	case KindTimeout, KindNetwork:
		if transientAttempt >= p.maxTransientAttempts() {
			return RetryOutcomeFail, 0
		}
		delayMs := int(ComputeBackoff(p.Backoff, transientAttempt+1).Milliseconds())
		return RetryOutcomeRetry, delayMs
	default:
		return RetryOutcomeFail, 0
	}
}

func (p RetryPolicy) maxTransientAttempts() int {
	if p.MaxTransientAttempts <= 0 {
		return 2
	}
	return p.MaxTransientAttempts
}

// Wait sleeps for delayMs, respecting ctx and cancel, whichever fires first.
func (p RetryPolicy) Wait(ctx context.Context, cancel *CancelToken, delayMs int) error {
	duration := time.Duration(delayMs) * time.Millisecond
	if duration <= 0 {
		return nil
	}
	var cancelDone <-chan struct{}
	if cancel != nil {
		cancelDone = cancel.Done()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelDone:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}
