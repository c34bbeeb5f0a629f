// Package breaker guards calls to unstable dependencies with circuit
// breakers. State transitions are delegated to github.com/sony/gobreaker:
// a breaker opens after FailureThreshold consecutive failures, lets trial
// calls through once ResetTimeout has elapsed, and closes again after
// SuccessThreshold consecutive trial successes. Any trial failure reopens it.
// Calls abandoned by a cancelled context count as neither success nor failure.
// An operator can force a breaker open until it is reset.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/sony/gobreaker/v2"
)

// State is the externally visible breaker state.
type State string

// Breaker states
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds the thresholds for a single breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	SuccessThreshold uint32

	// CallTimeout bounds each protected call when positive.
	CallTimeout time.Duration
}

// ConfigFrom builds a named breaker configuration from application config.
func ConfigFrom(name string, cfg config.BreakerConfig) Config {
	return Config{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		CallTimeout:      cfg.CallTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 3
	}
	return c
}

// Metrics is a point-in-time view of a breaker.
type Metrics struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	Rejected            int64     `json:"rejected"`
	Cancelled           int64     `json:"cancelled"`
	ForcedOpen          bool      `json:"forced_open"`
	AverageResponseMS   float64   `json:"average_response_ms"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker protects one dependency. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg      Config
	onChange StateChangeFunc

	mu              sync.RWMutex
	cb              *gobreaker.CircuitBreaker[any]
	forced          bool
	openedAt        time.Time
	lastFailureTime time.Time

	calls     atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64

	// total wall time of calls that reached the dependency
	callNanos atomic.Int64
}

// New creates a closed breaker. onChange may be nil.
func New(cfg Config, onChange StateChangeFunc) *CircuitBreaker {
	b := &CircuitBreaker{
		cfg:      cfg.withDefaults(),
		onChange: onChange,
	}
	b.cb = b.newGobreaker()
	return b
}

func (b *CircuitBreaker) newGobreaker() *gobreaker.CircuitBreaker[any] {
	threshold := b.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: b.cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: isCancellation,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			if b.onChange != nil {
				b.onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
}

// Name returns the breaker's name.
func (b *CircuitBreaker) Name() string {
	return b.cfg.Name
}

func (b *CircuitBreaker) current() (*gobreaker.CircuitBreaker[any], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb, b.forced
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Execute runs op under the breaker. When the breaker is open, or half-open
// with all trial slots taken, op is not invoked and a *domain.CircuitOpenError
// is returned. Otherwise op's error is recorded and returned unchanged.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is Execute for operations that return a value.
func Run[T any](ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	cb, forced := b.current()
	if forced {
		b.rejected.Add(1)
		return zero, &domain.CircuitOpenError{Breaker: b.cfg.Name}
	}

	out, err := cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
			defer cancel()
		}

		b.calls.Add(1)
		started := time.Now()
		v, err := op(callCtx)
		b.callNanos.Add(int64(time.Since(started)))

		switch {
		case err == nil:
			b.successes.Add(1)
			return v, nil
		case isCancellation(err):
			b.cancelled.Add(1)
		default:
			b.failures.Add(1)
			b.mu.Lock()
			b.lastFailureTime = time.Now()
			b.mu.Unlock()
		}
		return nil, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(1)
			return zero, &domain.CircuitOpenError{Breaker: b.cfg.Name, RetryAfter: b.retryAfter()}
		}
		return zero, err
	}

	v, ok := out.(T)
	if !ok && out != nil {
		return zero, fmt.Errorf("breaker %s: unexpected result type %T", b.cfg.Name, out)
	}
	return v, nil
}

func (b *CircuitBreaker) retryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.openedAt.IsZero() {
		return 0
	}
	remaining := b.cfg.ResetTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports HALF_OPEN. A forced breaker reports OPEN until Reset.
func (b *CircuitBreaker) State() State {
	cb, forced := b.current()
	if forced {
		return StateOpen
	}
	return fromGobreaker(cb.State())
}

// ForceOpen rejects every call until Reset is called, regardless of the
// reset timeout.
func (b *CircuitBreaker) ForceOpen() {
	prev := b.State()

	b.mu.Lock()
	b.forced = true
	if prev != StateOpen || b.openedAt.IsZero() {
		b.openedAt = time.Now()
	}
	b.mu.Unlock()

	if prev != StateOpen && b.onChange != nil {
		b.onChange(b.cfg.Name, prev, StateOpen)
	}
}

// Reset forces the breaker closed and clears its consecutive counters and
// any forced-open flag. Lifetime totals are kept.
func (b *CircuitBreaker) Reset() {
	prev := b.State()

	b.mu.Lock()
	b.cb = b.newGobreaker()
	b.forced = false
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if prev != StateClosed && b.onChange != nil {
		b.onChange(b.cfg.Name, prev, StateClosed)
	}
}

// Metrics returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Metrics() Metrics {
	cb, forced := b.current()
	state := fromGobreaker(cb.State())
	if forced {
		state = StateOpen
	}
	counts := cb.Counts()

	b.mu.RLock()
	defer b.mu.RUnlock()

	m := Metrics{
		Name:                b.cfg.Name,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalCalls:          b.calls.Load(),
		TotalSuccesses:      b.successes.Load(),
		TotalFailures:       b.failures.Load(),
		Rejected:            b.rejected.Load(),
		Cancelled:           b.cancelled.Load(),
		ForcedOpen:          forced,
		LastFailureTime:     b.lastFailureTime,
	}
	if m.TotalCalls > 0 {
		avg := time.Duration(b.callNanos.Load() / m.TotalCalls)
		m.AverageResponseMS = float64(avg) / float64(time.Millisecond)
	}
	if state != StateClosed {
		m.OpenedAt = b.openedAt
	}
	return m
}
