package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
)

// JobEventType names a lifecycle transition.
type JobEventType string

// Lifecycle transitions reported by the queue
const (
	JobCompleted JobEventType = "completed"
	JobFailed    JobEventType = "failed"
	JobRetrying  JobEventType = "retrying"
	JobStalled   JobEventType = "stalled"
)

// JobEvent describes one lifecycle transition of a job.
type JobEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Type      JobEventType     `json:"type"`
	JobID     uuid.UUID        `json:"job_id"`
	QueueType domain.QueueType `json:"queue_type"`

	// Attempt is the number of attempts the job had used when the event fired
	Attempt int `json:"attempt"`

	// Error is the failure message for failed, retrying and stalled events
	Error string `json:"error,omitempty"`

	// Result is the handler output for completed events
	Result json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewJobEvent builds an event describing job's current state.
func NewJobEvent(eventType JobEventType, job *domain.Job) *JobEvent {
	ev := &JobEvent{
		ID:        uuid.New(),
		Type:      eventType,
		JobID:     job.ID,
		QueueType: job.QueueType,
		Attempt:   job.Attempts,
		Error:     job.LastError,
		CreatedAt: time.Now().UTC(),
	}
	if eventType == JobCompleted {
		ev.Result = job.Result
	}
	return ev
}

// EventHandler defines an interface for components that react to job events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *JobEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *JobEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *JobEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that publish job events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *JobEvent) error
}
