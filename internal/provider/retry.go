package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAttempts is three total tries: the initial attempt plus two
// retries, per §4.1.
const maxAttempts = 3

// fixedExponential implements backoff.BackOff with the exact schedule
// §4.1 specifies: attempt k waits 2^k*1000ms, uncapped and unjittered
// (unlike backoff.ExponentialBackOff's default randomized growth).
type fixedExponential struct {
	attempt int
}

func (f *fixedExponential) NextBackOff() time.Duration {
	f.attempt++
	return time.Duration(1<<uint(f.attempt)) * time.Second
}

func (f *fixedExponential) Reset() { f.attempt = 0 }

// retrying wraps an Adapter with the retry policy: only RATE_LIMITED,
// SERVER_ERROR, and TIMEOUT are retried; CLIENT_ERROR and TRANSPORT
// are terminal.
type retrying struct {
	Adapter
	timeout time.Duration
}

// WithRetry returns an Adapter that retries transient failures of the
// wrapped adapter up to two additional times, honoring a per-attempt
// timeout derived from the adapter's own configured timeout.
func WithRetry(a Adapter, perAttemptTimeout time.Duration) Adapter {
	return &retrying{Adapter: a, timeout: perAttemptTimeout}
}

func (r *retrying) Call(ctx context.Context, systemPrompt, userPrompt string) (RawResult, error) {
	var result RawResult
	attempts := 0

	operation := func() error {
		attempts++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		res, err := r.Adapter.Call(attemptCtx, systemPrompt, userPrompt)
		if err == nil {
			result = res
			return nil
		}

		callErr, ok := err.(*CallError)
		if !ok || !callErr.Retryable() {
			return backoff.Permanent(err)
		}
		if attempts >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(&fixedExponential{}, ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if permErr, ok := err.(*backoff.PermanentError); ok {
			return RawResult{}, permErr.Err
		}
		return RawResult{}, err
	}
	return result, nil
}
