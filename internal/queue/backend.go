package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
)

// ErrLeaseLost is returned when a worker reports on a job that is no longer
// active under its lease, typically because the reaper requeued it.
var ErrLeaseLost = errors.New("job lease lost")

// Counts is the per-state occupancy of one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Total is the number of job records the queue currently holds.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
}

// Backend stores job records and the per-queue state lists. Implementations
// must make Dequeue atomic so that a waiting job is handed to exactly one
// caller, including callers in other processes sharing the backend.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Enqueue stores a new job and places it in the waiting or delayed
	// state according to job.Status.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue moves the oldest waiting job of qt into the active set with a
	// lease ending at leaseUntil and returns its record. It returns nil when
	// nothing is waiting or the queue is paused.
	Dequeue(ctx context.Context, qt domain.QueueType, leaseUntil time.Time) (*domain.Job, error)

	// Heartbeat extends the lease of an active job.
	Heartbeat(ctx context.Context, qt domain.QueueType, id uuid.UUID, leaseUntil time.Time) error

	// Finish removes an active job from the active set and records it as
	// completed or failed per job.Status, keeping at most retain finished
	// records of that status. Older ones are evicted.
	Finish(ctx context.Context, job *domain.Job, retain int) error

	// Requeue returns an active job to the waiting or delayed state per job.Status.
	Requeue(ctx context.Context, job *domain.Job) error

	// PromoteDelayed moves delayed jobs whose run time has passed to waiting.
	PromoteDelayed(ctx context.Context, qt domain.QueueType, now time.Time) (int, error)

	// Expired returns active jobs whose lease ended before now.
	Expired(ctx context.Context, qt domain.QueueType, now time.Time) ([]*domain.Job, error)

	// Get returns the job record or domain.ErrJobNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Update overwrites an existing job record without changing its state
	// lists. A cancellation recorded by Cancel survives the overwrite.
	Update(ctx context.Context, job *domain.Job) error

	// Cancel sets only the cancelled flag of job id, atomically with respect
	// to every other write of the record. It reports false when the job had
	// already finished or was already cancelled.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	Counts(ctx context.Context, qt domain.QueueType) (Counts, error)
	SetPaused(ctx context.Context, qt domain.QueueType, paused bool) error

	// Clean deletes every completed and failed record of qt and returns how
	// many were removed. Waiting, delayed and active jobs are untouched.
	Clean(ctx context.Context, qt domain.QueueType) (int, error)
}
