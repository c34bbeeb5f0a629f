package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/queue"
)

// Errors produced by the HTTP layer itself.
var (
	ErrInvalidID       = errors.New("invalid id")
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// MapErrorToStatusCode maps errors from the queue, cache and breaker
// packages to HTTP status codes. Order matters: a queue with no handler is
// both a configuration error and an unknown queue, and is reported as 404.
func MapErrorToStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrUnknownQueue),
		errors.Is(err, domain.ErrUnknownCacheType),
		errors.Is(err, ErrBreakerNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, shared.ErrEmptyBody):
		return http.StatusBadRequest

	case errors.Is(err, queue.ErrAlreadyStarted):
		return http.StatusConflict

	case errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that never
// contains the underlying error text.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, domain.ErrUnknownQueue):
		return "Unknown queue type"
	case errors.Is(err, domain.ErrUnknownCacheType):
		return "Unknown cache type"
	case errors.Is(err, ErrBreakerNotFound):
		return "Circuit breaker not found"
	case errors.Is(err, ErrInvalidID):
		return "Invalid job ID"
	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"
	case errors.Is(err, domain.ErrInvalidPayload):
		return SanitizeValidationError(err)
	case errors.Is(err, domain.ErrCircuitOpen):
		return "Service temporarily unavailable"
	case errors.Is(err, queue.ErrClosed):
		return "Server is shutting down"
	case errors.Is(err, domain.ErrConfiguration):
		return "Queue is not available"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns a validator failure into a message naming
// only the offending field and rule.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Example: "Key: 'SkinAnalysisRequest.ImageURL' Error:Field validation for 'ImageURL' failed on the 'url' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.SplitN(errMsg, "Error:", 2)
		if len(parts) == 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				if len(fieldParts) >= 5 && fieldParts[3] != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(fieldParts[3]))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	if strings.Contains(errMsg, "unknown field") {
		return "Invalid payload: unknown field"
	}
	return "Invalid payload"
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url":
		return "invalid URL"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "gte", "lte", "gt", "lt":
		return "out of range"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the status and safe message for err and logs the
// redacted error. Open breakers add a Retry-After header.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)

	var opts []shared.ResponseOption
	var open *domain.CircuitOpenError
	if errors.As(err, &open) {
		opts = append(opts, shared.WithRetryAfter(open.RetryAfter))
	}

	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err, opts...)
}
