package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
)

// getPathUUID parses the UUID in path parameter paramName.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", ErrInvalidID, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", ErrInvalidID, paramName)
	}
	return id, nil
}

// getQueueType returns the known queue type named by the "type" path parameter.
func getQueueType(r *http.Request) (domain.QueueType, error) {
	qt := domain.QueueType(chi.URLParam(r, "type"))
	if !qt.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownQueue, qt)
	}
	return qt, nil
}
