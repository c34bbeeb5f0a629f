package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
)

type memoryQueue struct {
	waiting   []uuid.UUID
	delayed   map[uuid.UUID]time.Time
	active    map[uuid.UUID]time.Time
	completed []uuid.UUID // newest first
	failed    []uuid.UUID // newest first
	paused    bool
}

// memoryBackend keeps everything in process memory. Jobs do not survive a
// restart; it backs queues that allow running without the durable store.
type memoryBackend struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*domain.Job
	queues map[domain.QueueType]*memoryQueue
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		jobs:   make(map[uuid.UUID]*domain.Job),
		queues: make(map[domain.QueueType]*memoryQueue),
	}
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) queue(qt domain.QueueType) *memoryQueue {
	q, ok := b.queues[qt]
	if !ok {
		q = &memoryQueue{
			delayed: make(map[uuid.UUID]time.Time),
			active:  make(map[uuid.UUID]time.Time),
		}
		b.queues[qt] = q
	}
	return q
}

func (b *memoryBackend) Enqueue(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	b.jobs[job.ID] = job.Clone()
	b.place(b.queue(job.QueueType), job)
	return nil
}

func (b *memoryBackend) place(q *memoryQueue, job *domain.Job) {
	if job.Status == domain.JobStatusDelayed {
		q.delayed[job.ID] = job.RunAt
		return
	}
	q.waiting = append(q.waiting, job.ID)
}

func (b *memoryBackend) Dequeue(ctx context.Context, qt domain.QueueType, leaseUntil time.Time) (*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(qt)
	if q.paused || len(q.waiting) == 0 {
		return nil, nil
	}

	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[id] = leaseUntil

	job, ok := b.jobs[id]
	if !ok {
		delete(q.active, id)
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (b *memoryBackend) Heartbeat(ctx context.Context, qt domain.QueueType, id uuid.UUID, leaseUntil time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(qt)
	if _, ok := q.active[id]; !ok {
		return ErrLeaseLost
	}
	q.active[id] = leaseUntil
	return nil
}

func (b *memoryBackend) Finish(ctx context.Context, job *domain.Job, retain int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueType)
	if _, ok := q.active[job.ID]; !ok {
		return ErrLeaseLost
	}
	delete(q.active, job.ID)
	b.store(job)

	if job.Status == domain.JobStatusCompleted {
		q.completed = b.retain(append([]uuid.UUID{job.ID}, q.completed...), retain)
	} else {
		q.failed = b.retain(append([]uuid.UUID{job.ID}, q.failed...), retain)
	}
	return nil
}

// retain trims ids to at most n entries and drops the evicted records.
func (b *memoryBackend) retain(ids []uuid.UUID, n int) []uuid.UUID {
	if len(ids) <= n {
		return ids
	}
	for _, id := range ids[n:] {
		delete(b.jobs, id)
	}
	return ids[:n:n]
}

func (b *memoryBackend) Requeue(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueType)
	if _, ok := q.active[job.ID]; !ok {
		return ErrLeaseLost
	}
	delete(q.active, job.ID)
	b.store(job)
	b.place(q, job)
	return nil
}

func (b *memoryBackend) PromoteDelayed(ctx context.Context, qt domain.QueueType, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(qt)
	type due struct {
		id    uuid.UUID
		runAt time.Time
	}
	var ready []due
	for id, runAt := range q.delayed {
		if !runAt.After(now) {
			ready = append(ready, due{id, runAt})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].runAt.Before(ready[j].runAt) })

	for _, d := range ready {
		delete(q.delayed, d.id)
		if job, ok := b.jobs[d.id]; ok {
			job.Status = domain.JobStatusWaiting
		}
		q.waiting = append(q.waiting, d.id)
	}
	return len(ready), nil
}

func (b *memoryBackend) Expired(ctx context.Context, qt domain.QueueType, now time.Time) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*domain.Job
	for id, lease := range b.queue(qt).active {
		if lease.Before(now) {
			if job, ok := b.jobs[id]; ok {
				out = append(out, job.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *memoryBackend) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (b *memoryBackend) Update(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	b.store(job)
	return nil
}

// store saves a copy of job, keeping a cancellation the caller has not seen.
func (b *memoryBackend) store(job *domain.Job) {
	c := job.Clone()
	if prev, ok := b.jobs[job.ID]; ok && prev.Cancelled {
		c.Cancelled = true
	}
	b.jobs[job.ID] = c
}

func (b *memoryBackend) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.IsTerminal() || job.Cancelled {
		return false, nil
	}
	job.Cancelled = true
	return true, nil
}

func (b *memoryBackend) Counts(ctx context.Context, qt domain.QueueType) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(qt)
	return Counts{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Delayed:   int64(len(q.delayed)),
		Paused:    q.paused,
	}, nil
}

func (b *memoryBackend) SetPaused(ctx context.Context, qt domain.QueueType, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(qt).paused = paused
	return nil
}

func (b *memoryBackend) Clean(ctx context.Context, qt domain.QueueType) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(qt)
	n := len(q.completed) + len(q.failed)
	for _, id := range q.completed {
		delete(b.jobs, id)
	}
	for _, id := range q.failed {
		delete(b.jobs, id)
	}
	q.completed, q.failed = nil, nil
	return n, nil
}
