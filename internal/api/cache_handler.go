package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/cache"
	"github.com/phrazzld/aiqueue/internal/domain"
)

// CacheService is the part of the cache the HTTP layer drives.
type CacheService interface {
	Stats(ctx context.Context) cache.Stats
	ClearType(ctx context.Context, ct domain.CacheType)
	HasType(ct domain.CacheType) bool
}

// CacheHandler serves the cache routes.
type CacheHandler struct {
	cache  CacheService
	logger *slog.Logger
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(c CacheService, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  c,
		logger: logger.With("component", "cache_handler"),
	}
}

// Stats handles GET /api/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.cache.Stats(r.Context()))
}

// ClearType handles DELETE /api/cache/{type}.
func (h *CacheHandler) ClearType(w http.ResponseWriter, r *http.Request) {
	ct := domain.CacheType(chi.URLParam(r, "type"))
	if !h.cache.HasType(ct) {
		HandleAPIError(w, r, fmt.Errorf("%w: %q", domain.ErrUnknownCacheType, ct))
		return
	}

	h.cache.ClearType(r.Context(), ct)
	h.logger.InfoContext(r.Context(), "cache type invalidated",
		"cache_type", string(ct),
		"trace_id", shared.GetTraceID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
