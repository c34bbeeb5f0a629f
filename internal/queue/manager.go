// Package queue runs submitted jobs on per-type worker pools.
//
// A Manager is constructed with its dependencies and does nothing until its
// first use. The first call to any operation connects to the durable store
// (when enabled) and starts the workers; concurrent first calls share that one
// attempt, and a failed attempt is retried by the next call. With the durable
// store disabled, queues configured with a memory fallback run on an
// in-process backend and all other queues report domain.ErrConfiguration.
//
// Each queue type has its own pool bounded by its configured concurrency and
// dispatches jobs in submission order. Failed executions are rescheduled with
// exponential backoff until the job runs out of attempts. Active jobs hold a
// lease renewed by a heartbeat; a maintenance pass requeues jobs whose lease
// expired, so execution is at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/breaker"
	"github.com/phrazzld/aiqueue/internal/cache"
	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/events"
	"github.com/phrazzld/aiqueue/internal/platform/redisstore"
	"github.com/phrazzld/aiqueue/internal/retry"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Errors returned by the manager.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue manager is closed")

	// ErrAlreadyStarted is returned when registering a handler after first use.
	ErrAlreadyStarted = errors.New("queue manager already started")

	// ErrJobCancelled is recorded on jobs that were cancelled before they finished.
	ErrJobCancelled = domain.Permanent(errors.New("job cancelled"))
)

// Deps are the collaborators of a Manager. Only Logger is required.
type Deps struct {
	// Store is the durable backend. Nil or disabled runs in degraded mode.
	Store *redisstore.Client

	// Cache memoizes handler results for handlers registered WithCacheType.
	Cache *cache.Cache

	// Breakers provides the breakers named by WithBreaker.
	Breakers *breaker.Registry

	// Retries records retry metrics for handler calls.
	Retries *retry.Manager

	// Policy is the default retry policy around each handler call.
	Policy retry.Policy

	// Events receives job lifecycle notifications.
	Events events.EventEmitter

	MeterProvider metric.MeterProvider
	Logger        *slog.Logger
}

// Stats is the occupancy of one queue.
type Stats struct {
	QueueType domain.QueueType `json:"queue_type"`
	Backend   string           `json:"backend"`
	Waiting   int64            `json:"waiting"`
	Active    int64            `json:"active"`
	Completed int64            `json:"completed"`
	Failed    int64            `json:"failed"`
	Delayed   int64            `json:"delayed"`
	Total     int64            `json:"total"`
	Paused    bool             `json:"paused"`
}

type queueRunner struct {
	qt      domain.QueueType
	cfg     config.QueueConfig
	reg     *registration
	backend Backend
	wake    chan struct{}
}

// signal wakes up to n idle workers.
func (q *queueRunner) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

type runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	durable     Backend
	memory      *memoryBackend
	queues      map[domain.QueueType]*queueRunner
	unavailable map[domain.QueueType]error
}

func (rt *runtime) queue(qt domain.QueueType) (*queueRunner, error) {
	if q, ok := rt.queues[qt]; ok {
		return q, nil
	}
	if err, ok := rt.unavailable[qt]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w: %s", domain.ErrConfiguration, domain.ErrUnknownQueue, qt)
}

// backends returns every backend in use, durable first.
func (rt *runtime) backends() []Backend {
	var out []Backend
	if rt.durable != nil {
		out = append(out, rt.durable)
	}
	if rt.memory != nil {
		out = append(out, rt.memory)
	}
	return out
}

// Manager owns the job queues of a process.
type Manager struct {
	cfg      config.QueueManagerConfig
	store    *redisstore.Client
	cache    *cache.Cache
	breakers *breaker.Registry
	retries  *retry.Manager
	policy   retry.Policy
	emitter  events.EventEmitter
	logger   *slog.Logger
	metrics  instruments
	now      func() time.Time

	initGroup singleflight.Group
	initCount atomic.Int32

	mu       sync.RWMutex
	handlers map[domain.QueueType]*registration
	rt       *runtime
	closed   bool
}

// NewManager creates a manager. It does not connect or start workers.
func NewManager(cfg config.QueueManagerConfig, deps Deps) *Manager {
	logger := deps.Logger.With("component", "queue_manager")

	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		breakers: deps.Breakers,
		retries:  deps.Retries,
		policy:   deps.Policy,
		emitter:  deps.Events,
		logger:   logger,
		metrics:  newInstruments(deps.MeterProvider, logger),
		now:      time.Now,
		handlers: make(map[domain.QueueType]*registration),
	}
	if m.policy.MaxAttempts == 0 {
		m.policy = retry.DefaultPolicy()
	}

	m.handlers[domain.QueueBatchProcessing] = &registration{
		queueType: domain.QueueBatchProcessing,
		run:       m.runBatch,
	}
	return m
}

func (m *Manager) register(reg *registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rt != nil || m.closed {
		return fmt.Errorf("cannot register handler for %s: %w", reg.queueType, ErrAlreadyStarted)
	}
	if _, exists := m.handlers[reg.queueType]; exists {
		return fmt.Errorf("%w: handler for %s already registered", domain.ErrConfiguration, reg.queueType)
	}
	m.handlers[reg.queueType] = reg
	return nil
}

// Init performs the one-time initialization explicitly. Calling it is
// optional; every other operation triggers it on demand.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.runtime(ctx)
	return err
}

func (m *Manager) runtime(ctx context.Context) (*runtime, error) {
	m.mu.RLock()
	rt, closed := m.rt, m.closed
	m.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if rt != nil {
		return rt, nil
	}

	v, err, _ := m.initGroup.Do("init", func() (interface{}, error) {
		return m.initialize(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*runtime), nil
}

func (m *Manager) initialize(ctx context.Context) (*runtime, error) {
	m.mu.RLock()
	if m.rt != nil {
		rt := m.rt
		m.mu.RUnlock()
		return rt, nil
	}
	m.mu.RUnlock()

	m.initCount.Add(1)

	var durable Backend
	if m.store.Enabled() {
		rdb, err := m.store.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to initialize job queues: %w", domain.ErrConfiguration, err)
		}
		durable = newRedisBackend(rdb)
	} else {
		m.logger.InfoContext(ctx, "durable store disabled, only queues with memory fallback will run")
	}

	rtCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		ctx:         rtCtx,
		cancel:      cancel,
		durable:     durable,
		queues:      make(map[domain.QueueType]*queueRunner),
		unavailable: make(map[domain.QueueType]error),
	}

	m.mu.RLock()
	for name, qc := range m.cfg.Queues {
		qt := domain.QueueType(name)
		reg, ok := m.handlers[qt]
		if !ok {
			m.logger.DebugContext(ctx, "queue configured without a handler", "queue_type", name)
			continue
		}

		var backend Backend
		switch {
		case durable != nil:
			backend = durable
		case qc.MemoryFallback:
			if rt.memory == nil {
				rt.memory = newMemoryBackend()
			}
			backend = rt.memory
		default:
			rt.unavailable[qt] = fmt.Errorf("%w: queue %s requires the durable store", domain.ErrConfiguration, qt)
			m.logger.WarnContext(ctx, "queue unavailable without durable store", "queue_type", name)
			continue
		}

		rt.queues[qt] = &queueRunner{
			qt:      qt,
			cfg:     qc,
			reg:     reg,
			backend: backend,
			wake:    make(chan struct{}, qc.Concurrency),
		}
	}
	for qt := range m.handlers {
		if _, ok := m.cfg.Queues[string(qt)]; !ok && qt != domain.QueueBatchProcessing {
			m.logger.WarnContext(ctx, "handler registered for unconfigured queue", "queue_type", string(qt))
		}
	}
	m.mu.RUnlock()

	for _, q := range rt.queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			rt.wg.Add(1)
			go m.worker(rt, q, i)
		}
		m.logger.InfoContext(ctx, "queue started",
			"queue_type", string(q.qt),
			"backend", q.backend.Name(),
			"concurrency", q.cfg.Concurrency)
	}

	rt.wg.Add(1)
	go m.maintenanceLoop(rt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return nil, ErrClosed
	}
	m.rt = rt
	return rt, nil
}

// Submit validates payload and enqueues it on its queue.
func (m *Manager) Submit(ctx context.Context, payload domain.Payload, opts ...SubmitOption) (*domain.Job, error) {
	if err := domain.ValidatePayload(payload); err != nil {
		return nil, err
	}
	if payload.QueueType() == domain.QueueBatchProcessing {
		return nil, fmt.Errorf("%w: use SubmitBatch for batch jobs", domain.ErrInvalidPayload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return m.enqueue(ctx, payload.QueueType(), raw, opts...)
}

// SubmitRaw decodes raw JSON into qt's payload variant, validates it and
// enqueues it. Batch jobs submitted this way must carry a BatchRequest.
func (m *Manager) SubmitRaw(ctx context.Context, qt domain.QueueType, raw json.RawMessage, opts ...SubmitOption) (*domain.Job, error) {
	p, err := domain.DecodePayload(qt, raw)
	if err != nil {
		return nil, err
	}
	if batch, ok := p.(*domain.BatchRequest); ok {
		return m.SubmitBatchRaw(ctx, batch.TargetType, batch.Items, append(opts, WithBatchSize(batch.BatchSize))...)
	}

	normalized, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return m.enqueue(ctx, qt, normalized, opts...)
}

// SubmitBatch wraps items, which must all belong to target, as a single
// batch job.
func (m *Manager) SubmitBatch(ctx context.Context, target domain.QueueType, items []domain.Payload, opts ...SubmitOption) (*domain.Job, error) {
	raws := make([]json.RawMessage, len(items))
	for i, item := range items {
		if item == nil || item.QueueType() != target {
			return nil, fmt.Errorf("%w: item %d does not belong to %s", domain.ErrInvalidPayload, i, target)
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", domain.ErrInvalidPayload, i, err)
		}
		raws[i] = raw
	}
	return m.SubmitBatchRaw(ctx, target, raws, opts...)
}

// SubmitBatchRaw is SubmitBatch for undecoded items. Every item is validated
// against target's payload variant before the batch is accepted.
func (m *Manager) SubmitBatchRaw(ctx context.Context, target domain.QueueType, items []json.RawMessage, opts ...SubmitOption) (*domain.Job, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	for i, item := range items {
		if _, err := domain.DecodePayload(target, item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	req := domain.BatchRequest{TargetType: target, Items: items, BatchSize: o.batchSize}
	if err := domain.ValidatePayload(req); err != nil {
		return nil, err
	}

	m.mu.RLock()
	_, ok := m.handlers[target]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w: no handler for batch target %s", domain.ErrConfiguration, domain.ErrUnknownQueue, target)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return m.enqueue(ctx, domain.QueueBatchProcessing, raw, opts...)
}

func (m *Manager) enqueue(ctx context.Context, qt domain.QueueType, raw json.RawMessage, opts ...SubmitOption) (*domain.Job, error) {
	rt, err := m.runtime(ctx)
	if err != nil {
		return nil, err
	}
	q, err := rt.queue(qt)
	if err != nil {
		return nil, err
	}

	o := submitOptions{delay: q.cfg.DefaultDelay, maxAttempts: q.cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}

	job, err := domain.NewJob(qt, raw, o.maxAttempts, o.delay, m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if err := q.backend.Enqueue(ctx, job); err != nil {
		m.logger.ErrorContext(ctx, "failed to enqueue job",
			"queue_type", string(qt), "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("failed to submit job to %s: %w", qt, err)
	}

	m.metrics.submitted.Add(ctx, 1, queueAttr(qt))
	m.logger.InfoContext(ctx, "job submitted",
		"queue_type", string(qt),
		"job_id", job.ID,
		"status", string(job.Status),
		"max_attempts", job.MaxAttempts)

	if job.Status == domain.JobStatusWaiting {
		q.signal(1)
	}
	return job, nil
}

// Stats returns the occupancy of qt.
func (m *Manager) Stats(ctx context.Context, qt domain.QueueType) (Stats, error) {
	rt, err := m.runtime(ctx)
	if err != nil {
		return Stats{}, err
	}
	q, err := rt.queue(qt)
	if err != nil {
		return Stats{}, err
	}
	return m.stats(ctx, q)
}

func (m *Manager) stats(ctx context.Context, q *queueRunner) (Stats, error) {
	c, err := q.backend.Counts(ctx, q.qt)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats for %s: %w", q.qt, err)
	}
	return Stats{
		QueueType: q.qt,
		Backend:   q.backend.Name(),
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
		Delayed:   c.Delayed,
		Total:     c.Total(),
		Paused:    c.Paused,
	}, nil
}

// AllStats returns the occupancy of every running queue, ordered by type.
func (m *Manager) AllStats(ctx context.Context) ([]Stats, error) {
	rt, err := m.runtime(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Stats, 0, len(rt.queues))
	for _, q := range rt.queues {
		s, err := m.stats(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueType < out[j].QueueType })
	return out, nil
}

// Pause stops dispatching qt's jobs to workers. Queued jobs are kept and
// running jobs finish normally.
func (m *Manager) Pause(ctx context.Context, qt domain.QueueType) error {
	rt, err := m.runtime(ctx)
	if err != nil {
		return err
	}
	q, err := rt.queue(qt)
	if err != nil {
		return err
	}
	if err := q.backend.SetPaused(ctx, qt, true); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "queue paused", "queue_type", string(qt))
	return nil
}

// Resume restarts dispatching for qt.
func (m *Manager) Resume(ctx context.Context, qt domain.QueueType) error {
	rt, err := m.runtime(ctx)
	if err != nil {
		return err
	}
	q, err := rt.queue(qt)
	if err != nil {
		return err
	}
	if err := q.backend.SetPaused(ctx, qt, false); err != nil {
		return err
	}
	q.signal(q.cfg.Concurrency)
	m.logger.InfoContext(ctx, "queue resumed", "queue_type", string(qt))
	return nil
}

// Clear purges qt's completed and failed job records and returns how many
// were removed.
func (m *Manager) Clear(ctx context.Context, qt domain.QueueType) (int, error) {
	rt, err := m.runtime(ctx)
	if err != nil {
		return 0, err
	}
	q, err := rt.queue(qt)
	if err != nil {
		return 0, err
	}
	n, err := q.backend.Clean(ctx, qt)
	if err != nil {
		return n, err
	}
	m.logger.InfoContext(ctx, "queue cleared", "queue_type", string(qt), "removed", n)
	return n, nil
}

// Job returns the current record of job id.
func (m *Manager) Job(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, _, err := m.find(ctx, id)
	return job, err
}

func (m *Manager) find(ctx context.Context, id uuid.UUID) (*domain.Job, Backend, error) {
	rt, err := m.runtime(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, b := range rt.backends() {
		job, err := b.Get(ctx, id)
		if err == nil {
			return job, b, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
}

// Cancel marks job id cancelled. A waiting or delayed job fails when it is
// next dequeued; a running job is not interrupted but is never retried.
// Handlers that want to stop early poll IsCancelled. Cancelling a finished
// job has no effect.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	_, backend, err := m.find(ctx, id)
	if err != nil {
		return nil, err
	}

	changed, err := backend.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.InfoContext(ctx, "job cancelled", "job_id", id, "status", string(job.Status))
	}
	return job, nil
}

// Close stops the workers and waits for running handlers to return, or for
// ctx to end. Jobs interrupted by shutdown are put back in line.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rt := m.rt
	m.mu.Unlock()

	if rt == nil {
		return nil
	}

	rt.cancel()
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.InfoContext(ctx, "queue manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for queue workers: %w", ctx.Err())
	}
}

func (m *Manager) emit(ctx context.Context, eventType events.JobEventType, job *domain.Job) {
	if m.emitter == nil {
		return
	}
	// handler failures are logged by the emitter
	_ = m.emitter.EmitEvent(ctx, events.NewJobEvent(eventType, job))
}
