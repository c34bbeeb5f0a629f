package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
)

// Validation errors for Job
var (
	ErrEmptyJobID       = errors.New("job ID cannot be empty")
	ErrInvalidJobStatus = errors.New("invalid job status")
	ErrInvalidAttempts  = errors.New("max attempts must be at least 1")
	ErrEmptyJobPayload  = errors.New("job payload cannot be empty")
	ErrInvalidQueueType = errors.New("invalid queue type")
)

// Job is one unit of scheduled work submitted to a named queue. The record is
// owned by the queue manager and mutated only by the worker holding its lease,
// or by the stalled-job reaper once that lease has expired.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	QueueType      QueueType       `json:"queue_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	RunAt          time.Time       `json:"run_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Cancelled      bool            `json:"cancelled,omitempty"`
}

// NewJob creates a job for queueType. A positive delay makes the job start in
// the delayed state with RunAt set in the future.
func NewJob(queueType QueueType, payload json.RawMessage, maxAttempts int, delay time.Duration, now time.Time) (*Job, error) {
	job := &Job{
		ID:          uuid.New(),
		QueueType:   queueType,
		Payload:     payload,
		Status:      JobStatusWaiting,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
		RunAt:       now.UTC(),
	}
	if delay > 0 {
		job.Status = JobStatusDelayed
		job.RunAt = now.Add(delay).UTC()
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate checks that the job has all required fields.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if !j.QueueType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidQueueType, j.QueueType)
	}
	if len(j.Payload) == 0 {
		return ErrEmptyJobPayload
	}
	if j.MaxAttempts < 1 {
		return ErrInvalidAttempts
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobStatus, j.Status)
	}
	return nil
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusActive, JobStatusCompleted, JobStatusFailed, JobStatusDelayed:
		return true
	}
	return false
}

// IsTerminal reports whether the job finished, successfully or not.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// AttemptsLeft reports whether another execution is permitted.
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Start moves the job to active and records a lease that expires at leaseUntil.
func (j *Job) Start(now, leaseUntil time.Time) {
	started := now.UTC()
	lease := leaseUntil.UTC()
	j.Status = JobStatusActive
	j.StartedAt = &started
	j.LeaseExpiresAt = &lease
}

// Complete records a successful result.
func (j *Job) Complete(result json.RawMessage, now time.Time) {
	finished := now.UTC()
	j.Status = JobStatusCompleted
	j.Result = result
	j.LastError = ""
	j.FinishedAt = &finished
	j.LeaseExpiresAt = nil
}

// Fail records a terminal failure.
func (j *Job) Fail(err error, now time.Time) {
	finished := now.UTC()
	j.Status = JobStatusFailed
	if err != nil {
		j.LastError = err.Error()
	}
	j.FinishedAt = &finished
	j.LeaseExpiresAt = nil
}

// Reschedule puts a failed execution back in line. With a positive delay the
// job waits in the delayed state until runAt.
func (j *Job) Reschedule(err error, now time.Time, delay time.Duration) {
	if err != nil {
		j.LastError = err.Error()
	}
	j.StartedAt = nil
	j.LeaseExpiresAt = nil
	j.RunAt = now.Add(delay).UTC()
	if delay > 0 {
		j.Status = JobStatusDelayed
	} else {
		j.Status = JobStatusWaiting
	}
}

// Clone returns a deep copy so callers cannot mutate a stored record.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
