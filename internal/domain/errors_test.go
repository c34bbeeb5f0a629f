package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection reset by peer")

	transient := Transient(cause)
	assert.ErrorIs(t, transient, ErrTransient)
	assert.ErrorIs(t, transient, cause)
	assert.Equal(t, cause.Error(), transient.Error())
	assert.False(t, IsPermanent(transient))

	permanent := fmt.Errorf("analyze: %w", Permanent(errors.New("unsupported image")))
	assert.ErrorIs(t, permanent, ErrPermanent)
	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsPermanent(fmt.Errorf("%w: missing image_url", ErrInvalidPayload)))

	cfg := Configuration(errors.New("redis disabled"))
	assert.ErrorIs(t, cfg, ErrConfiguration)

	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Configuration(nil))
}

func TestCircuitOpenError(t *testing.T) {
	var err error = &CircuitOpenError{Breaker: "gemini", RetryAfter: 30 * time.Second}
	wrapped := fmt.Errorf("call failed: %w", err)

	assert.ErrorIs(t, wrapped, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "gemini")
	assert.Contains(t, err.Error(), "30s")

	var target *CircuitOpenError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "gemini", target.Breaker)

	assert.NotContains(t, (&CircuitOpenError{Breaker: "x"}).Error(), "retry after")
}

func TestJobExhaustedError(t *testing.T) {
	cause := errors.New("upstream unavailable")
	err := &JobExhaustedError{JobID: uuid.New(), Attempts: 3, Err: cause}

	assert.ErrorIs(t, err, ErrJobExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
