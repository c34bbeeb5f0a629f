// Package retry re-invokes fallible operations under a configurable backoff
// policy. Waits are driven by github.com/sethvargo/go-retry; this package adds
// the strategy formulas, the retry predicate, per-operation metrics and
// order-preserving batch execution.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Operation is a fallible call returning a value.
type Operation[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one operation in a batch.
type Result[T any] struct {
	Index    int
	Value    T
	Err      error
	Attempts int
}

// OK reports whether the operation eventually succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Backoff returns the go-retry backoff implementing p's delay formula, with
// jitter applied when enabled. The returned backoff is stateful and must not
// be shared between calls.
func (p Policy) Backoff() goretry.Backoff {
	p = p.withDefaults()

	attempt := 0
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Delay(attempt), false
	})
	if p.Jitter {
		b = goretry.WithJitterPercent(jitterPercent, b)
	}
	return goretry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Execute runs op until it succeeds, the policy's attempts are used up, or
// the predicate rejects the error. The most recent error is returned;
// earlier ones are discarded. m may be nil, in which case nothing is recorded.
func Execute[T any](ctx context.Context, m *Manager, p Policy, op Operation[T]) (T, error) {
	value, _, err := execute(ctx, m, p, op)
	return value, err
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, m *Manager, p Policy, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, m, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func execute[T any](ctx context.Context, m *Manager, p Policy, op Operation[T]) (T, int, error) {
	p = p.withDefaults()
	logger := m.log()

	var (
		result   T
		attempts int
		lastErr  error
	)

	inner := p.Backoff()
	b := goretry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := inner.Next()
		if stop {
			return 0, true
		}
		logger.DebugContext(ctx, "retrying after delay",
			"operation", p.Name,
			"attempt", attempts,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", lastErr)
		if p.OnRetry != nil {
			p.OnRetry(attempts, lastErr, delay)
		}
		return delay, false
	})

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err

		if attempts >= p.MaxAttempts || !p.Retryable(err, attempts) {
			return err
		}
		return goretry.RetryableError(err)
	})

	// keep the operation's own failure visible when the wait was cut short
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) &&
		lastErr != nil && !errors.Is(lastErr, ctxErr) {
		err = fmt.Errorf("%w: last error: %w", ctxErr, lastErr)
	}

	if err != nil {
		logger.WarnContext(ctx, "operation failed after retries",
			"operation", p.Name,
			"attempts", attempts,
			"error", err)
	}
	m.record(p.Name, attempts, err)

	var zero T
	if err != nil {
		return zero, attempts, err
	}
	return result, attempts, nil
}

// ExecuteBatch runs every operation concurrently, each under its own retry
// loop. The results keep input order; one operation's failure never affects
// its siblings.
func ExecuteBatch[T any](ctx context.Context, m *Manager, p Policy, ops []Operation[T]) []Result[T] {
	results := make([]Result[T], len(ops))

	var g errgroup.Group
	for i, op := range ops {
		g.Go(func() error {
			v, attempts, err := execute(ctx, m, p, op)
			results[i] = Result[T]{Index: i, Value: v, Err: err, Attempts: attempts}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
