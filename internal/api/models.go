package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/queue"
	"github.com/phrazzld/aiqueue/internal/redact"
)

// SubmitJobRequest is the body of POST /api/queues/{type}/jobs. Payload is
// decoded into the queue's payload variant.
type SubmitJobRequest struct {
	Payload     json.RawMessage `json:"payload" validate:"required"`
	DelayMS     int64           `json:"delay_ms,omitempty" validate:"gte=0,lte=86400000"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
}

// SubmitBatchRequest is the body of POST /api/queues/{type}/batches. Every
// item must be a valid payload for the queue in the path.
type SubmitBatchRequest struct {
	Items       []json.RawMessage `json:"items" validate:"required,min=1,max=1000"`
	BatchSize   int               `json:"batch_size,omitempty" validate:"gte=0,lte=100"`
	DelayMS     int64             `json:"delay_ms,omitempty" validate:"gte=0,lte=86400000"`
	MaxAttempts int               `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
}

func submitOptions(delayMS int64, maxAttempts int) []queue.SubmitOption {
	var opts []queue.SubmitOption
	if delayMS > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(delayMS)*time.Millisecond))
	}
	if maxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(maxAttempts))
	}
	return opts
}

// JobResponse is the client view of a job. The payload is not echoed back
// and the last error is redacted.
type JobResponse struct {
	ID          uuid.UUID        `json:"id"`
	QueueType   domain.QueueType `json:"queue_type"`
	Status      domain.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	CreatedAt   time.Time        `json:"created_at"`
	RunAt       time.Time        `json:"run_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Cancelled   bool             `json:"cancelled,omitempty"`
}

func jobToResponse(job *domain.Job) JobResponse {
	return JobResponse{
		ID:          job.ID,
		QueueType:   job.QueueType,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		RunAt:       job.RunAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
		LastError:   redact.String(job.LastError),
		Cancelled:   job.Cancelled,
	}
}

// ClearQueueResponse reports how many finished job records were removed.
type ClearQueueResponse struct {
	QueueType domain.QueueType `json:"queue_type"`
	Removed   int              `json:"removed"`
}

// QueueStateResponse is returned by pause and resume.
type QueueStateResponse struct {
	QueueType domain.QueueType `json:"queue_type"`
	Paused    bool             `json:"paused"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string   `json:"status"`
	Durable      string   `json:"durable_store"`
	OpenBreakers []string `json:"open_breakers,omitempty"`
}
