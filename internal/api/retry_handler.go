package api

import (
	"net/http"

	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/redact"
	"github.com/phrazzld/aiqueue/internal/retry"
)

// RetryMetricsSource exposes per-policy retry metrics.
type RetryMetricsSource interface {
	Metrics() map[string]retry.Metrics
	ResetMetrics()
}

// RetryHandler serves the retry metrics routes.
type RetryHandler struct {
	retries RetryMetricsSource
}

// NewRetryHandler creates a RetryHandler.
func NewRetryHandler(retries RetryMetricsSource) *RetryHandler {
	return &RetryHandler{retries: retries}
}

// Metrics handles GET /api/retries.
func (h *RetryHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.retries.Metrics()
	for name, m := range metrics {
		m.LastError = redact.String(m.LastError)
		metrics[name] = m
	}
	shared.RespondWithJSON(w, r, http.StatusOK, metrics)
}

// Reset handles DELETE /api/retries.
func (h *RetryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.retries.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}
