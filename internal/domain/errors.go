package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error kinds shared by the queue, cache, breaker and retry packages.
// Callers classify failures with errors.Is against these sentinels.
var (
	// ErrConfiguration is returned when an operation depends on the durable
	// store and the store was never configured or could not be reached.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransient marks network and timeout class failures that are safe to retry.
	ErrTransient = errors.New("transient error")

	// ErrPermanent marks validation and business-rule failures that must not be retried.
	ErrPermanent = errors.New("permanent error")

	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrJobExhausted is matched by every JobExhaustedError.
	ErrJobExhausted = errors.New("job exhausted all attempts")

	// ErrUnknownQueue is returned for a queue type with no configuration or handler.
	ErrUnknownQueue = errors.New("unknown queue type")

	// ErrUnknownCacheType is returned for a cache type with no configuration.
	ErrUnknownCacheType = errors.New("unknown cache type")

	// ErrJobNotFound is returned when a job record does not exist or was evicted.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidPayload is returned when a payload cannot be decoded or fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// kindError attaches an error kind to a cause without hiding the cause.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPermanent, err: err}
}

// Configuration marks err as a configuration failure. A nil err stays nil.
func Configuration(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrConfiguration, err: err}
}

// IsPermanent reports whether err was classified as permanent, either directly
// or through an invalid payload.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrInvalidPayload)
}

// CircuitOpenError is returned when a breaker short-circuits a call without
// invoking the protected operation.
type CircuitOpenError struct {
	// Breaker is the name of the breaker that rejected the call.
	Breaker string

	// RetryAfter is the remaining time before the breaker allows a trial call.
	// Zero when unknown or when the breaker is half-open and saturated.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Breaker, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Breaker)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// JobExhaustedError is the terminal error recorded on a job that used all of
// its attempts.
type JobExhaustedError struct {
	JobID    uuid.UUID
	Attempts int
	Err      error
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *JobExhaustedError) Unwrap() []error {
	return []error{ErrJobExhausted, e.Err}
}
