package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/api/shared"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/platform/logger"
	"github.com/phrazzld/aiqueue/internal/queue"
)

// QueueService is the part of the queue manager the HTTP layer drives.
type QueueService interface {
	SubmitRaw(ctx context.Context, qt domain.QueueType, raw json.RawMessage, opts ...queue.SubmitOption) (*domain.Job, error)
	SubmitBatchRaw(ctx context.Context, target domain.QueueType, items []json.RawMessage, opts ...queue.SubmitOption) (*domain.Job, error)
	Stats(ctx context.Context, qt domain.QueueType) (queue.Stats, error)
	AllStats(ctx context.Context) ([]queue.Stats, error)
	Pause(ctx context.Context, qt domain.QueueType) error
	Resume(ctx context.Context, qt domain.QueueType) error
	Clear(ctx context.Context, qt domain.QueueType) (int, error)
	Job(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

// QueueHandler serves the queue and job routes.
type QueueHandler struct {
	queues QueueService
	logger *slog.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(queues QueueService, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		queues: queues,
		logger: logger.With("component", "queue_handler"),
	}
}

func (h *QueueHandler) log(r *http.Request) *slog.Logger {
	return logger.FromContextOrDefault(r.Context(), h.logger)
}

// SubmitJob handles POST /api/queues/{type}/jobs.
func (h *QueueHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	qt, err := getQueueType(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	var req SubmitJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		h.respondBadBody(w, r, err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	job, err := h.queues.SubmitRaw(r.Context(), qt, req.Payload, submitOptions(req.DelayMS, req.MaxAttempts)...)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	h.log(r).InfoContext(r.Context(), "job submitted",
		"job_id", job.ID,
		"queue_type", string(qt),
		"status", string(job.Status))
	shared.RespondWithJSON(w, r, http.StatusAccepted, jobToResponse(job))
}

// SubmitBatch handles POST /api/queues/{type}/batches.
func (h *QueueHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	qt, err := getQueueType(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	var req SubmitBatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		h.respondBadBody(w, r, err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	opts := submitOptions(req.DelayMS, req.MaxAttempts)
	if req.BatchSize > 0 {
		opts = append(opts, queue.WithBatchSize(req.BatchSize))
	}

	job, err := h.queues.SubmitBatchRaw(r.Context(), qt, req.Items, opts...)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	h.log(r).InfoContext(r.Context(), "batch submitted",
		"job_id", job.ID,
		"target_type", string(qt),
		"items", len(req.Items))
	shared.RespondWithJSON(w, r, http.StatusAccepted, jobToResponse(job))
}

// AllStats handles GET /api/queues/stats.
func (h *QueueHandler) AllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.AllStats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Stats handles GET /api/queues/{type}/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	qt, err := getQueueType(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	stats, err := h.queues.Stats(r.Context(), qt)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Pause handles POST /api/queues/{type}/pause.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume handles POST /api/queues/{type}/resume.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *QueueHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	qt, err := getQueueType(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	if paused {
		err = h.queues.Pause(r.Context(), qt)
	} else {
		err = h.queues.Resume(r.Context(), qt)
	}
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, QueueStateResponse{QueueType: qt, Paused: paused})
}

// Clear handles DELETE /api/queues/{type}/jobs. Only finished job records
// are removed.
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	qt, err := getQueueType(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	n, err := h.queues.Clear(r.Context(), qt)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ClearQueueResponse{QueueType: qt, Removed: n})
}

// GetJob handles GET /api/jobs/{id}.
func (h *QueueHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	job, err := h.queues.Job(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *QueueHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	job, err := h.queues.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

func (h *QueueHandler) respondBadBody(w http.ResponseWriter, r *http.Request, err error) {
	msg := "Invalid request format"
	if errors.Is(err, shared.ErrEmptyBody) {
		msg = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, msg, err)
}
