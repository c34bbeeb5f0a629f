package retry

import (
	"math"
	"net/http"
	"time"

	"github.com/phrazzld/aiqueue/internal/config"
)

// Strategy maps an attempt number to the wait before the next attempt.
type Strategy string

// Supported strategies
const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Fixed       Strategy = "fixed"
	Immediate   Strategy = "immediate"
)

// jitterPercent bounds the random perturbation applied when Policy.Jitter is set.
const jitterPercent = 10

// Policy describes how a single call is retried. It is supplied per call and
// never persisted.
type Policy struct {
	// Name identifies the operation in logs and metrics.
	Name string

	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	Strategy      Strategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Jitter perturbs every computed delay by up to ±10%.
	Jitter bool

	// Retryable decides whether a failed attempt is retried. Nil means IsTransient.
	Retryable func(err error, attempt int) bool

	// OnRetry observes each retry just before the wait begins.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns three exponential attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		Name:          "default",
		MaxAttempts:   3,
		Strategy:      Exponential,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// PolicyFromConfig builds the default policy from configuration.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Name:          "default",
		MaxAttempts:   cfg.MaxAttempts,
		Strategy:      Strategy(cfg.Strategy),
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
}

// AIServicePolicy suits calls to a hosted inference model: few attempts with
// a short ceiling so a job does not sit on a worker slot for long.
func AIServicePolicy() Policy {
	p := DefaultPolicy()
	p.Name = "ai-service"
	p.BaseDelay = 2 * time.Second
	p.MaxDelay = 10 * time.Second
	return p
}

// DatabasePolicy suits short store round trips.
func DatabasePolicy() Policy {
	p := DefaultPolicy()
	p.Name = "database"
	p.MaxAttempts = 5
	p.BaseDelay = 500 * time.Millisecond
	p.MaxDelay = 5 * time.Second
	return p
}

// ExternalAPIPolicy retries transient failures plus rate limiting and
// upstream-unavailable HTTP statuses.
func ExternalAPIPolicy() Policy {
	p := DefaultPolicy()
	p.Name = "external-api"
	p.Retryable = RetryOnStatus(
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	)
	return p
}

// Delay returns the wait before the attempt following attempt (1-indexed),
// without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch p.Strategy {
	case Immediate:
		return 0
	case Fixed:
		return p.BaseDelay
	case Linear:
		return p.BaseDelay * time.Duration(attempt)
	default:
		factor := p.BackoffFactor
		if factor < 1 {
			factor = 2
		}
		d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			return p.MaxDelay
		}
		if d > math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Strategy == "" {
		p.Strategy = Exponential
	}
	if p.Name == "" {
		p.Name = "default"
	}
	if p.Retryable == nil {
		p.Retryable = func(err error, _ int) bool { return IsTransient(err) }
	}
	return p
}
