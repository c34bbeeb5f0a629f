package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/breaker"
)

// BreakerStates lists breakers by state.
type BreakerStates interface {
	InState(s breaker.State) []string
}

// HealthHandler serves GET /health. It always reports the process as up;
// open breakers and a disabled durable store are surfaced, not failed on.
type HealthHandler struct {
	breakers BreakerStates
	durable  bool
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. durable reports whether the
// durable store is configured.
func NewHealthHandler(breakers BreakerStates, durable bool, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		breakers: breakers,
		durable:  durable,
		logger:   logger.With("component", "health_handler"),
	}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Durable: "disabled"}
	if h.durable {
		resp.Durable = "enabled"
	}
	if h.breakers != nil {
		resp.OpenBreakers = h.breakers.InState(breaker.StateOpen)
	}
	if len(resp.OpenBreakers) > 0 {
		resp.Status = "degraded"
		h.logger.DebugContext(r.Context(), "health check with open breakers", "open_breakers", resp.OpenBreakers)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
