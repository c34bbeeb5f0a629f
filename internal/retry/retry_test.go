package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("upstream returned %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestPolicy_Delay(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"exponential first", Policy{Strategy: Exponential, BaseDelay: base, BackoffFactor: 2, MaxDelay: time.Second}, 1, 100 * time.Millisecond},
		{"exponential third", Policy{Strategy: Exponential, BaseDelay: base, BackoffFactor: 2, MaxDelay: time.Second}, 3, 400 * time.Millisecond},
		{"exponential capped", Policy{Strategy: Exponential, BaseDelay: base, BackoffFactor: 2, MaxDelay: time.Second}, 10, time.Second},
		{"exponential factor three", Policy{Strategy: Exponential, BaseDelay: base, BackoffFactor: 3, MaxDelay: time.Minute}, 3, 900 * time.Millisecond},
		{"linear", Policy{Strategy: Linear, BaseDelay: base}, 4, 400 * time.Millisecond},
		{"fixed", Policy{Strategy: Fixed, BaseDelay: base}, 7, base},
		{"immediate", Policy{Strategy: Immediate, BaseDelay: base}, 2, 0},
		{"attempt below one", Policy{Strategy: Linear, BaseDelay: base}, 0, base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestPolicy_BackoffJitter(t *testing.T) {
	p := Policy{
		MaxAttempts:   3,
		Strategy:      Exponential,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}

	for i := 0; i < 50; i++ {
		b := p.Backoff()

		d1, stop := b.Next()
		require.False(t, stop)
		assert.InDelta(t, float64(time.Second), float64(d1), float64(100*time.Millisecond)+1)

		d2, stop := b.Next()
		require.False(t, stop)
		assert.InDelta(t, float64(2*time.Second), float64(d2), float64(200*time.Millisecond)+1)

		_, stop = b.Next()
		assert.True(t, stop, "two retries exhaust three attempts")
	}
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	m := NewManager(nil)
	var calls int32
	var delays []time.Duration

	p := Policy{
		Name:          "flaky",
		MaxAttempts:   3,
		Strategy:      Exponential,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}

	got, err := Execute(context.Background(), m, p, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", domain.Transient(errors.New("upstream hiccup"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)

	met := m.Metrics()["flaky"]
	assert.Equal(t, int64(1), met.Operations)
	assert.Equal(t, int64(1), met.Successes)
	assert.Equal(t, int64(3), met.TotalAttempts)
	assert.Equal(t, int64(2), met.Retries)
	assert.Equal(t, 3.0, met.AverageAttempts())
}

func TestExecute_ReturnsMostRecentError(t *testing.T) {
	var calls int32
	p := Policy{MaxAttempts: 3, Strategy: Immediate}

	_, err := Execute(context.Background(), nil, p, func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return 0, domain.Transient(fmt.Errorf("failure %d", n))
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Contains(t, err.Error(), "failure 3")
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestExecute_PredicateStopsRetries(t *testing.T) {
	var calls int32
	var seenAttempt int
	p := Policy{
		MaxAttempts: 5,
		Strategy:    Immediate,
		Retryable: func(err error, attempt int) bool {
			seenAttempt = attempt
			return false
		},
	}

	err := Do(context.Background(), nil, p, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	require.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 1, seenAttempt)
}

func TestExecute_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	err := Do(context.Background(), nil, Policy{MaxAttempts: 4, Strategy: Immediate}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return domain.Permanent(errors.New("bad input"))
	})

	assert.ErrorIs(t, err, domain.ErrPermanent)
	assert.Equal(t, int32(1), calls)
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Strategy: Fixed, BaseDelay: time.Hour}

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, nil, p, func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return domain.Transient(errors.New("timeout talking to model"))
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, domain.ErrTransient)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	assert.Equal(t, int32(1), calls)
}

func TestExecute_SingleAttempt(t *testing.T) {
	var calls int32
	err := Do(context.Background(), nil, Policy{MaxAttempts: 1}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return domain.Transient(errors.New("nope"))
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestExecuteBatch_PreservesOrderAndIsolatesFailures(t *testing.T) {
	m := NewManager(nil)
	p := Policy{Name: "batch", MaxAttempts: 2, Strategy: Immediate}

	ops := make([]Operation[int], 5)
	for i := range ops {
		ops[i] = func(ctx context.Context) (int, error) {
			if i == 1 || i == 3 {
				return 0, domain.Permanent(fmt.Errorf("item %d rejected", i))
			}
			time.Sleep(time.Duration(5-i) * time.Millisecond)
			return i * 10, nil
		}
	}

	results := ExecuteBatch(context.Background(), m, p, ops)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 1 || i == 3 {
			assert.False(t, r.OK())
			assert.Contains(t, r.Err.Error(), fmt.Sprintf("item %d", i))
			continue
		}
		assert.True(t, r.OK())
		assert.Equal(t, i*10, r.Value)
		assert.Equal(t, 1, r.Attempts)
	}

	met := m.Metrics()["batch"]
	assert.Equal(t, int64(5), met.Operations)
	assert.Equal(t, int64(2), met.Failures)

	m.ResetMetrics()
	assert.Empty(t, m.Metrics())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"classified transient", domain.Transient(errors.New("x")), true},
		{"classified permanent", domain.Permanent(errors.New("timeout")), false},
		{"invalid payload", fmt.Errorf("%w: missing field", domain.ErrInvalidPayload), false},
		{"circuit open", &domain.CircuitOpenError{Breaker: "gemini"}, false},
		{"configuration", domain.Configuration(errors.New("redis unreachable")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"message econnreset", errors.New("read tcp: ECONNRESET"), true},
		{"message timeout", errors.New("request Timeout exceeded"), true},
		{"plain", errors.New("validation failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryOnStatus(t *testing.T) {
	pred := ExternalAPIPolicy().Retryable

	assert.True(t, pred(statusErr{429}, 1))
	assert.True(t, pred(statusErr{503}, 1))
	assert.False(t, pred(statusErr{400}, 1))
	assert.False(t, pred(domain.Permanent(statusErr{401}), 1))
	assert.True(t, pred(errors.New("connection reset by peer"), 1))
}

func TestPresetsAndConfig(t *testing.T) {
	assert.Equal(t, 2*time.Second, AIServicePolicy().BaseDelay)
	assert.Equal(t, 10*time.Second, AIServicePolicy().MaxDelay)
	assert.Equal(t, 5, DatabasePolicy().MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, DatabasePolicy().BaseDelay)

	p := PolicyFromConfig(config.RetryConfig{
		MaxAttempts:   4,
		Strategy:      "linear",
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Jitter:        false,
	})
	assert.Equal(t, Linear, p.Strategy)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.Delay(3))
}
