package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var errUpstream = errors.New("upstream unavailable")

func failing(ctx context.Context) error { return errUpstream }
func succeeding(ctx context.Context) error { return nil }

func tripBreaker(t *testing.T, b *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), failing)
		require.ErrorIs(t, err, errUpstream)
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b := New(Config{Name: "gemini", FailureThreshold: 5, ResetTimeout: 60 * time.Second, SuccessThreshold: 3}, nil)

	tripBreaker(t, b, 4)
	assert.Equal(t, StateClosed, b.State(), "four failures stay below the threshold")

	tripBreaker(t, b, 1)
	assert.Equal(t, StateOpen, b.State())

	var invoked bool
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "an open breaker must not invoke the operation")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	var openErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "gemini", openErr.Breaker)
	assert.Greater(t, openErr.RetryAfter, 59*time.Second)

	m := b.Metrics()
	assert.Equal(t, int64(5), m.TotalFailures)
	assert.Equal(t, int64(1), m.Rejected)
	assert.False(t, m.LastFailureTime.IsZero())
	assert.False(t, m.OpenedAt.IsZero())
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{Name: "db", FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 3}, nil)

	tripBreaker(t, b, 2)
	require.NoError(t, b.Execute(context.Background(), succeeding))
	tripBreaker(t, b, 2)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Metrics().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	b := New(Config{Name: "vision", FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond, SuccessThreshold: 3},
		func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, to)
		})

	tripBreaker(t, b, 2)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeeding))
	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, StateHalfOpen, b.State(), "two trial successes are not enough")

	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "vision", FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond, SuccessThreshold: 3}, nil)

	tripBreaker(t, b, 2)
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeeding))
	err := b.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State())

	err = b.Execute(context.Background(), succeeding)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := New(Config{Name: "x", FailureThreshold: 1, ResetTimeout: time.Hour}, nil)

	tripBreaker(t, b, 1)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, int64(1), b.Metrics().TotalFailures, "reset keeps lifetime totals")
	assert.True(t, b.Metrics().OpenedAt.IsZero())
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	b := New(Config{Name: "slow", FailureThreshold: 1, ResetTimeout: time.Hour, CallTimeout: 20 * time.Millisecond}, nil)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func cancelled(ctx context.Context) error { return context.Canceled }

func TestCircuitBreaker_CancellationNeitherSuccessNorFailure(t *testing.T) {
	t.Run("closed", func(t *testing.T) {
		b := New(Config{Name: "c", FailureThreshold: 2, ResetTimeout: time.Hour}, nil)

		assert.ErrorIs(t, b.Execute(context.Background(), cancelled), context.Canceled)
		assert.Equal(t, StateClosed, b.State())

		tripBreaker(t, b, 1)
		assert.ErrorIs(t, b.Execute(context.Background(), cancelled), context.Canceled)
		tripBreaker(t, b, 1)
		assert.Equal(t, StateOpen, b.State(), "a cancelled call must not break the failure streak")

		m := b.Metrics()
		assert.Equal(t, int64(2), m.TotalFailures)
		assert.Equal(t, int64(0), m.TotalSuccesses)
		assert.Equal(t, int64(2), m.Cancelled)
	})

	t.Run("half-open", func(t *testing.T) {
		b := New(Config{Name: "h", FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond, SuccessThreshold: 3}, nil)
		tripBreaker(t, b, 1)
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, StateHalfOpen, b.State())

		for i := 0; i < 3; i++ {
			_ = b.Execute(context.Background(), cancelled)
		}
		assert.Equal(t, StateHalfOpen, b.State(), "only real successes close the breaker")

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Execute(context.Background(), succeeding), "cancelled trials must not use up trial slots")
		}
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("already cancelled context", func(t *testing.T) {
		b := New(Config{Name: "p", FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var invoked bool
		err := b.Execute(ctx, func(ctx context.Context) error {
			invoked = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, invoked)
		assert.Zero(t, b.Metrics().TotalCalls)
	})
}

func TestCircuitBreaker_ForceOpen(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	b := New(Config{Name: "f", FailureThreshold: 5, ResetTimeout: time.Millisecond}, func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	})

	b.ForceOpen()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State(), "a forced breaker ignores the reset timeout")

	var invoked bool
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, invoked)

	m := b.Metrics()
	assert.True(t, m.ForcedOpen)
	assert.Equal(t, int64(1), m.Rejected)
	assert.False(t, m.OpenedAt.IsZero())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, b.Metrics().ForcedOpen)
	assert.NoError(t, b.Execute(context.Background(), succeeding))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_AverageResponseTime(t *testing.T) {
	b := New(Config{Name: "avg"}, nil)
	assert.Zero(t, b.Metrics().AverageResponseMS)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}))
	}
	assert.GreaterOrEqual(t, b.Metrics().AverageResponseMS, 10.0)
}

func TestRun_ReturnsValue(t *testing.T) {
	b := New(Config{Name: "v"}, nil)

	got, err := Run(context.Background(), b, func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	var calls int32
	_, err = Run(context.Background(), b, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, int32(1), calls)
}

func TestRegistry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRegistry(config.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		SuccessThreshold: 3,
	}, logger, provider)

	var opened []string
	r.OnStateChange(func(name string, from, to State) {
		if to == StateOpen {
			opened = append(opened, name)
		}
	})

	a := r.GetOrCreate("skin-analysis")
	assert.Same(t, a, r.GetOrCreate("skin-analysis"))
	r.GetOrCreate("face-detection")

	_, ok := r.Get("missing")
	assert.False(t, ok)
	got, ok := r.Get("face-detection")
	require.True(t, ok)
	assert.Equal(t, "face-detection", got.Name())

	tripBreaker(t, a, 2)
	assert.Equal(t, []string{"skin-analysis"}, opened)
	assert.Equal(t, []string{"skin-analysis"}, r.InState(StateOpen))
	assert.Equal(t, []string{"face-detection"}, r.InState(StateClosed))

	all := r.AllMetrics()
	require.Len(t, all, 2)
	assert.Equal(t, "face-detection", all[0].Name)
	assert.Equal(t, StateOpen, all[1].State)

	r.ResetAll()
	assert.Empty(t, r.InState(StateOpen))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "aiq.breaker.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total, "one open and one reset-to-closed transition")
}
