package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/perpgate/perpgate/internal/pkg/metrics"
)

// maxBackoff caps the pre-jitter delay between attempts.
const maxBackoff = 30 * time.Second

// RetryPolicy bounds the retry state machine.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// retryState drives the bounded retry loop. retrySuccess, retryExhausted,
// retryNonRetryable and retryAborted are terminal.
type retryState int

const (
	retryRunning retryState = iota
	retrySuccess
	retryExhausted
	retryNonRetryable
	retryAborted
)

// retrier wraps fallible connector operations with bounded exponential
// backoff. sleep and jitter are injectable for tests.
type retrier struct {
	policy   RetryPolicy
	exchange string
	jitter   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(label string, attempt int, delay time.Duration, cause *NormalizedError)
	onFatal  func(label string, cause *NormalizedError)
}

func newRetrier(exchange string, policy RetryPolicy) *retrier {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	return &retrier{
		policy:   policy,
		exchange: exchange,
		jitter:   rand.Float64,
		sleep:    sleepCtx,
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

// shouldRetry is a pure function of (kind, attempt, maxRetries). An exhausted
// budget forces false regardless of kind.
func (r *retrier) shouldRetry(kind Kind, attempt int) bool {
	if attempt >= r.policy.MaxRetries {
		return false
	}
	return kind.Retryable()
}

// backoff computes the delay before retrying after the given failed attempt
// (1-based): base·2^(attempt−1), plus up to 25% jitter, capped at maxBackoff.
func (r *retrier) backoff(attempt int) time.Duration {
	pre := r.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		pre *= 2
		if pre >= maxBackoff {
			pre = maxBackoff
			break
		}
	}
	delay := pre + time.Duration(float64(pre)*r.jitter()*0.25)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// execRetry runs op under the retry state machine. Exhausted and
// non-retryable surface the last cause wrapped as a non-retryable
// NormalizedError; an aborted run surfaces the caller's context error so
// cancellation is distinguishable from an exhausted budget.
func execRetry[T any](ctx context.Context, r *retrier, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		out      T
		cause    *NormalizedError
		abortErr error
		attempt  int
	)
	state := retryRunning
	for state == retryRunning {
		var err error
		out, err = op(ctx)
		if err == nil {
			state = retrySuccess
			break
		}
		attempt++

		cause = Normalize(r.exchange, err)
		switch {
		case !r.shouldRetry(cause.Kind, attempt):
			if cause.Kind.Retryable() {
				state = retryExhausted
			} else {
				state = retryNonRetryable
			}
		default:
			delay := r.backoff(attempt)
			metrics.RetriesTotal.WithLabelValues(r.exchange, label).Inc()
			if r.onRetry != nil {
				r.onRetry(label, attempt, delay, cause)
			}
			if serr := r.sleep(ctx, delay); serr != nil {
				state = retryAborted
				abortErr = serr
			}
		}
	}
	if state == retrySuccess {
		return out, nil
	}
	var zero T
	if state == retryAborted {
		return zero, fmt.Errorf("%s interrupted after attempt %d: %w (last error: %v)", label, attempt, abortErr, cause)
	}
	return zero, terminalError(r, label, cause)
}

func terminalError(r *retrier, label string, cause *NormalizedError) *NormalizedError {
	final := &NormalizedError{
		Message:    cause.Message,
		Kind:       cause.Kind,
		Code:       cause.Code,
		Exchange:   cause.Exchange,
		HTTPStatus: cause.HTTPStatus,
		Retryable:  false,
		Timestamp:  time.Now().UTC(),
		Cause:      cause.Cause,
	}
	metrics.ErrorsTotal.WithLabelValues(r.exchange, string(final.Kind)).Inc()
	if r.onFatal != nil {
		r.onFatal(label, final)
	}
	return final
}
