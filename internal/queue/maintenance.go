package queue

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/events"
)

const maintenanceLockKey = "aiq:lock:maintenance"

// errStalled is recorded on jobs whose worker stopped renewing the lease.
var errStalled = errors.New("job stalled: lease expired")

// maintenanceLoop promotes due delayed jobs and reaps stalled ones until the
// runtime is cancelled.
func (m *Manager) maintenanceLoop(rt *runtime) {
	defer rt.wg.Done()

	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			m.maintain(rt.ctx, rt)
		}
	}
}

// maintain runs one pass over every queue. Queues on the durable backend are
// shared between processes, so only the holder of the maintenance lock
// touches them; memory queues belong to this process alone.
func (m *Manager) maintain(ctx context.Context, rt *runtime) {
	shared := false
	if rt.durable != nil && m.store.Enabled() {
		unlock, acquired, err := m.store.TryLock(ctx, maintenanceLockKey, m.cfg.MaintenanceInterval)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "failed to acquire maintenance lock", "error", err)
			}
		case acquired:
			shared = true
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					m.logger.DebugContext(ctx, "maintenance lock not released", "error", err)
				}
			}()
		default:
			m.logger.DebugContext(ctx, "maintenance lock held elsewhere, skipping durable queues")
		}
	}

	now := m.now()
	for _, q := range rt.queues {
		if q.backend == rt.durable && !shared {
			continue
		}
		m.maintainQueue(ctx, q, now)
	}
}

func (m *Manager) maintainQueue(ctx context.Context, q *queueRunner, now time.Time) {
	logger := m.logger.With("queue_type", string(q.qt))

	promoted, err := q.backend.PromoteDelayed(ctx, q.qt, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to promote delayed jobs", "error", err)
	}
	if promoted > 0 {
		logger.DebugContext(ctx, "promoted delayed jobs", "count", promoted)
		q.signal(promoted)
	}

	expired, err := q.backend.Expired(ctx, q.qt, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list stalled jobs", "error", err)
		return
	}

	for _, job := range expired {
		jobLogger := logger.With("job_id", job.ID)
		m.metrics.stalled.Add(ctx, 1, queueAttr(q.qt))
		jobLogger.WarnContext(ctx, "job stalled",
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts)

		switch {
		case job.Cancelled:
			m.fail(ctx, q, job, ErrJobCancelled, jobLogger)
		case !job.AttemptsLeft():
			m.fail(ctx, q, job, &domain.JobExhaustedError{JobID: job.ID, Attempts: job.Attempts, Err: errStalled}, jobLogger)
		default:
			job.Reschedule(errStalled, now, 0)
			if err := q.backend.Requeue(ctx, job); err != nil {
				if !errors.Is(err, ErrLeaseLost) {
					jobLogger.ErrorContext(ctx, "failed to requeue stalled job", "error", err)
				}
				continue
			}
			q.signal(1)
			m.emit(ctx, events.JobStalled, job)
		}
	}
}
