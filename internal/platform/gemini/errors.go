package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/aiqueue/internal/domain"
	"google.golang.org/genai"
)

// Error definitions for the gemini package.
var (
	// ErrContentBlocked is returned when the model refuses to answer for safety reasons.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned when the model's answer cannot be used.
	ErrInvalidResponse = errors.New("invalid response from model")
)

// APIError is a failed Gemini API call. StatusCode lets retry policies
// select on the HTTP status.
type APIError struct {
	Code    int
	Status  string
	Message string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini API error %d: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int {
	return e.Code
}

// classifyError marks err as transient or permanent for the queue.
// Context errors and unrecognized transport failures are returned as is.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	ae, ok := asAPIError(err)
	if !ok {
		return err
	}
	apiErr := &APIError{Code: ae.Code, Status: ae.Status, Message: ae.Message}

	switch {
	case apiErr.Code == http.StatusTooManyRequests,
		apiErr.Code == http.StatusRequestTimeout,
		apiErr.Code >= http.StatusInternalServerError:
		return domain.Transient(apiErr)
	case apiErr.Code >= http.StatusBadRequest:
		return domain.Permanent(apiErr)
	default:
		return apiErr
	}
}

func asAPIError(err error) (genai.APIError, bool) {
	var value genai.APIError
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}
