package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/events"
	"github.com/phrazzld/aiqueue/internal/retry"
)

// settleTimeout bounds the writes that record a job's outcome once its
// handler has returned. They run even when shutdown has begun.
const settleTimeout = 5 * time.Second

type jobRefKey struct{}

type jobRef struct {
	id      uuid.UUID
	backend Backend
}

// JobIDFromContext returns the ID of the job a handler is running for.
func JobIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	ref, ok := ctx.Value(jobRefKey{}).(jobRef)
	return ref.id, ok
}

// IsCancelled reports whether the job a handler is running for has been
// cancelled since it started. Long-running handlers poll it to stop early.
func IsCancelled(ctx context.Context) bool {
	ref, ok := ctx.Value(jobRefKey{}).(jobRef)
	if !ok {
		return false
	}
	job, err := ref.backend.Get(ctx, ref.id)
	return err == nil && job.Cancelled
}

// panicError is the failure recorded when a handler panics.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// worker pulls jobs for one queue until the runtime is cancelled.
func (m *Manager) worker(rt *runtime, q *queueRunner, id int) {
	defer rt.wg.Done()

	logger := m.logger.With("queue_type", string(q.qt), "worker_id", id)
	logger.Debug("starting worker")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if rt.ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}

		now := m.now()
		job, err := q.backend.Dequeue(rt.ctx, q.qt, now.Add(m.cfg.LockDuration))
		if err != nil && rt.ctx.Err() == nil {
			logger.Error("failed to dequeue job", "error", err)
		}
		if job != nil {
			m.process(rt.ctx, q, job, logger)
			continue
		}

		select {
		case <-rt.ctx.Done():
			logger.Debug("stopping worker")
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// process runs one dequeued job to an outcome.
func (m *Manager) process(ctx context.Context, q *queueRunner, job *domain.Job, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID)

	started := m.now()
	job.Attempts++
	job.Start(started, started.Add(m.cfg.LockDuration))
	if err := q.backend.Update(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to mark job active", "error", err)
	}

	if job.Cancelled {
		m.fail(ctx, q, job, ErrJobCancelled, logger)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(hbCtx, q, job.ID, logger)
	}()

	logger.InfoContext(ctx, "processing job",
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts)

	runCtx := context.WithValue(ctx, jobRefKey{}, jobRef{id: job.ID, backend: q.backend})
	result, err := m.safeRun(runCtx, q.reg, job.Payload)

	stopHeartbeat()
	<-hbDone

	elapsed := m.now().Sub(started)

	if err != nil && ctx.Err() != nil {
		m.release(ctx, q, job, logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		m.metrics.observe(ctx, q.qt, elapsed, "error")
		m.handleFailure(ctx, q, job, err, logger)
		return
	}

	m.metrics.observe(ctx, q.qt, elapsed, "success")
	job.Complete(result, m.now())
	if err := q.backend.Finish(ctx, job, q.cfg.RetainCompleted); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.WarnContext(ctx, "job lease lost before completion, result discarded")
			return
		}
		logger.ErrorContext(ctx, "failed to record job completion", "error", err)
		return
	}

	m.metrics.completed.Add(ctx, 1, queueAttr(q.qt))
	logger.InfoContext(ctx, "job completed", "attempt", job.Attempts, "duration", elapsed)
	m.emit(ctx, events.JobCompleted, job)
}

func (m *Manager) safeRun(ctx context.Context, reg *registration, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return reg.run(ctx, payload)
}

// handleFailure decides whether a failed execution is retried or terminal.
func (m *Manager) handleFailure(ctx context.Context, q *queueRunner, job *domain.Job, err error, logger *slog.Logger) {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		logger.ErrorContext(ctx, "critical: job handler panicked",
			"error", err,
			"attempt", job.Attempts,
			"stack", string(pe.stack))
		m.fail(ctx, q, job, err, logger)

	case m.cancelledSince(ctx, q, job):
		m.fail(ctx, q, job, fmt.Errorf("%w: %v", ErrJobCancelled, err), logger)

	case domain.IsPermanent(err):
		logger.WarnContext(ctx, "job failed permanently", "error", err, "attempt", job.Attempts)
		m.fail(ctx, q, job, err, logger)

	case !job.AttemptsLeft():
		logger.WarnContext(ctx, "job exhausted its attempts", "error", err, "attempts", job.Attempts)
		m.fail(ctx, q, job, &domain.JobExhaustedError{JobID: job.ID, Attempts: job.Attempts, Err: err}, logger)

	default:
		m.reschedule(ctx, q, job, err, logger)
	}
}

func (m *Manager) cancelledSince(ctx context.Context, q *queueRunner, job *domain.Job) bool {
	stored, err := q.backend.Get(ctx, job.ID)
	return err == nil && stored.Cancelled
}

// backoff is the wait before the next attempt of a job that has used attempts.
func backoff(base time.Duration, attempts int) time.Duration {
	return retry.Policy{Strategy: retry.Exponential, BaseDelay: base, BackoffFactor: 2}.Delay(attempts)
}

func (m *Manager) reschedule(ctx context.Context, q *queueRunner, job *domain.Job, cause error, logger *slog.Logger) {
	delay := backoff(q.cfg.Backoff, job.Attempts)
	job.Reschedule(cause, m.now(), delay)

	if err := q.backend.Requeue(ctx, job); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.WarnContext(ctx, "job lease lost before retry was scheduled")
			return
		}
		logger.ErrorContext(ctx, "failed to reschedule job", "error", err)
		return
	}

	m.metrics.retried.Add(ctx, 1, queueAttr(q.qt))
	logger.WarnContext(ctx, "job failed, retry scheduled",
		"error", cause,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"delay", delay)
	if job.Status == domain.JobStatusWaiting {
		q.signal(1)
	}
	m.emit(ctx, events.JobRetrying, job)
}

func (m *Manager) fail(ctx context.Context, q *queueRunner, job *domain.Job, cause error, logger *slog.Logger) {
	job.Fail(cause, m.now())
	if err := q.backend.Finish(ctx, job, q.cfg.RetainFailed); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.WarnContext(ctx, "job lease lost before failure was recorded")
			return
		}
		logger.ErrorContext(ctx, "failed to record job failure", "error", err)
		return
	}

	m.metrics.failed.Add(ctx, 1, queueAttr(q.qt))
	logger.ErrorContext(ctx, "job failed", "error", cause, "attempts", job.Attempts)
	m.emit(ctx, events.JobFailed, job)
}

// release puts a job interrupted by shutdown back at the end of the line
// without charging it an attempt.
func (m *Manager) release(ctx context.Context, q *queueRunner, job *domain.Job, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	job.Attempts--
	job.Reschedule(nil, m.now(), 0)
	if err := q.backend.Requeue(rctx, job); err != nil {
		logger.ErrorContext(rctx, "failed to release job on shutdown, the reaper will recover it", "error", err)
		return
	}
	logger.InfoContext(rctx, "job released on shutdown")
}

// heartbeat renews the job's lease at half the lock duration until ctx ends.
func (m *Manager) heartbeat(ctx context.Context, q *queueRunner, id uuid.UUID, logger *slog.Logger) {
	interval := m.cfg.LockDuration / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.backend.Heartbeat(ctx, q.qt, id, m.now().Add(m.cfg.LockDuration))
			if errors.Is(err, ErrLeaseLost) {
				logger.WarnContext(ctx, "job lease lost while running")
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "failed to renew job lease", "error", err)
			}
		}
	}
}
