package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/breaker"
)

// BreakerService is the part of the breaker registry the HTTP layer drives.
type BreakerService interface {
	AllMetrics() []breaker.Metrics
	Get(name string) (*breaker.CircuitBreaker, bool)
}

// BreakerHandler serves the circuit breaker routes.
type BreakerHandler struct {
	breakers BreakerService
	logger   *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(breakers BreakerService, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{
		breakers: breakers,
		logger:   logger.With("component", "breaker_handler"),
	}
}

// List handles GET /api/breakers.
func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.breakers.AllMetrics())
}

func (h *BreakerHandler) lookup(w http.ResponseWriter, r *http.Request) (*breaker.CircuitBreaker, bool) {
	name := chi.URLParam(r, "name")
	cb, ok := h.breakers.Get(name)
	if !ok {
		HandleAPIError(w, r, fmt.Errorf("%w: %q", ErrBreakerNotFound, name))
	}
	return cb, ok
}

// Reset handles POST /api/breakers/{name}/reset and returns the breaker's
// metrics after the reset.
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.lookup(w, r)
	if !ok {
		return
	}
	name := cb.Name()

	prev := cb.State()
	cb.Reset()
	h.logger.WarnContext(r.Context(), "circuit breaker reset manually",
		"breaker", name,
		"previous_state", string(prev),
		"trace_id", shared.GetTraceID(r.Context()))
	shared.RespondWithJSON(w, r, http.StatusOK, cb.Metrics())
}

// ForceOpen handles POST /api/breakers/{name}/open. The breaker rejects
// every call until it is reset.
func (h *BreakerHandler) ForceOpen(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.lookup(w, r)
	if !ok {
		return
	}

	cb.ForceOpen()
	h.logger.WarnContext(r.Context(), "circuit breaker forced open",
		"breaker", cb.Name(),
		"trace_id", shared.GetTraceID(r.Context()))
	shared.RespondWithJSON(w, r, http.StatusOK, cb.Metrics())
}
