package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFactories runs each contract test against every backend.
func backendFactories() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return newMemoryBackend()
		},
		"redis": func(t *testing.T) Backend {
			s := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return newRedisBackend(rdb)
		},
	}
}

func newBackendJob(t *testing.T, delay time.Duration, now time.Time) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(domain.QueueSkinAnalysis, json.RawMessage(`{"image_url":"https://img.example.com/a.jpg"}`), 3, delay, now)
	require.NoError(t, err)
	return job
}

func TestBackend_Contract(t *testing.T) {
	const qt = domain.QueueSkinAnalysis

	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("dequeues in submission order", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				var ids []uuid.UUID
				for i := 0; i < 3; i++ {
					job := newBackendJob(t, 0, now)
					require.NoError(t, b.Enqueue(ctx, job))
					ids = append(ids, job.ID)
				}

				for _, want := range ids {
					got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
					require.NoError(t, err)
					require.NotNil(t, got)
					assert.Equal(t, want, got.ID)
				}

				empty, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				assert.Nil(t, empty)

				counts, err := b.Counts(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, int64(3), counts.Active)
			})

			t.Run("paused queue dispatches nothing", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				require.NoError(t, b.Enqueue(ctx, newBackendJob(t, 0, now)))
				require.NoError(t, b.SetPaused(ctx, qt, true))

				got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				assert.Nil(t, got)

				counts, err := b.Counts(ctx, qt)
				require.NoError(t, err)
				assert.True(t, counts.Paused)
				assert.Equal(t, int64(1), counts.Waiting)

				require.NoError(t, b.SetPaused(ctx, qt, false))
				got, err = b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				assert.NotNil(t, got)
			})

			t.Run("finish retains newest records", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				var ids []uuid.UUID
				for i := 0; i < 3; i++ {
					job := newBackendJob(t, 0, now)
					require.NoError(t, b.Enqueue(ctx, job))
					got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
					require.NoError(t, err)
					got.Complete(json.RawMessage(`{}`), now)
					require.NoError(t, b.Finish(ctx, got, 2))
					ids = append(ids, job.ID)
				}

				_, err := b.Get(ctx, ids[0])
				assert.ErrorIs(t, err, domain.ErrJobNotFound, "oldest record is evicted")
				for _, id := range ids[1:] {
					job, err := b.Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, domain.JobStatusCompleted, job.Status)
				}

				counts, err := b.Counts(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, int64(2), counts.Completed)
				assert.Zero(t, counts.Active)

				n, err := b.Clean(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			})

			t.Run("finish with zero retention drops the record", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				job := newBackendJob(t, 0, now)
				require.NoError(t, b.Enqueue(ctx, job))
				got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				got.Fail(assert.AnError, now)
				require.NoError(t, b.Finish(ctx, got, 0))

				_, err = b.Get(ctx, job.ID)
				assert.ErrorIs(t, err, domain.ErrJobNotFound)
			})

			t.Run("lost lease", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				job := newBackendJob(t, 0, now)
				require.NoError(t, b.Enqueue(ctx, job))

				assert.ErrorIs(t, b.Heartbeat(ctx, qt, job.ID, now.Add(time.Minute)), ErrLeaseLost)
				job.Complete(nil, now)
				assert.ErrorIs(t, b.Finish(ctx, job, 10), ErrLeaseLost)
				assert.ErrorIs(t, b.Requeue(ctx, job), ErrLeaseLost)
			})

			t.Run("requeue with delay then promote", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				job := newBackendJob(t, 0, now)
				require.NoError(t, b.Enqueue(ctx, job))
				got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				got.Attempts = 1
				got.Reschedule(assert.AnError, now, 50*time.Millisecond)
				require.NoError(t, b.Requeue(ctx, got))

				counts, err := b.Counts(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, int64(1), counts.Delayed)

				n, err := b.PromoteDelayed(ctx, qt, now)
				require.NoError(t, err)
				assert.Zero(t, n, "not due yet")

				n, err = b.PromoteDelayed(ctx, qt, now.Add(time.Second))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				again, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				require.NotNil(t, again)
				assert.Equal(t, job.ID, again.ID)
				assert.Equal(t, 1, again.Attempts)
				assert.Equal(t, assert.AnError.Error(), again.LastError)
			})

			t.Run("expired leases", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				stale := newBackendJob(t, 0, now)
				fresh := newBackendJob(t, 0, now)
				require.NoError(t, b.Enqueue(ctx, stale))
				require.NoError(t, b.Enqueue(ctx, fresh))

				_, err := b.Dequeue(ctx, qt, now.Add(time.Second))
				require.NoError(t, err)
				_, err = b.Dequeue(ctx, qt, now.Add(time.Second))
				require.NoError(t, err)
				require.NoError(t, b.Heartbeat(ctx, qt, fresh.ID, now.Add(time.Hour)))

				expired, err := b.Expired(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				require.Len(t, expired, 1)
				assert.Equal(t, stale.ID, expired[0].ID)
			})

			t.Run("update keeps record in place", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()

				job := newBackendJob(t, 0, time.Now())
				assert.ErrorIs(t, b.Update(ctx, job), domain.ErrJobNotFound)

				require.NoError(t, b.Enqueue(ctx, job))
				job.Cancelled = true
				require.NoError(t, b.Update(ctx, job))

				got, err := b.Get(ctx, job.ID)
				require.NoError(t, err)
				assert.True(t, got.Cancelled)
			})

			t.Run("cancel survives a stale worker write", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				require.NoError(t, b.Enqueue(ctx, newBackendJob(t, 0, now)))
				running, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				require.False(t, running.Cancelled)

				changed, err := b.Cancel(ctx, running.ID)
				require.NoError(t, err)
				assert.True(t, changed)

				// the worker still holds the record it read before the cancel
				running.Attempts++
				running.Start(now, now.Add(time.Minute))
				require.NoError(t, b.Update(ctx, running))

				got, err := b.Get(ctx, running.ID)
				require.NoError(t, err)
				assert.True(t, got.Cancelled)
				assert.Equal(t, 1, got.Attempts)

				changed, err = b.Cancel(ctx, running.ID)
				require.NoError(t, err)
				assert.False(t, changed, "cancelling twice changes nothing")
			})

			t.Run("cancel after completion keeps the result", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				require.NoError(t, b.Enqueue(ctx, newBackendJob(t, 0, now)))
				running, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
				require.NoError(t, err)
				running.Complete(json.RawMessage(`{"skin_type":"dry"}`), now)
				require.NoError(t, b.Finish(ctx, running, 10))

				changed, err := b.Cancel(ctx, running.ID)
				require.NoError(t, err)
				assert.False(t, changed)

				got, err := b.Get(ctx, running.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusCompleted, got.Status)
				assert.False(t, got.Cancelled)
				assert.JSONEq(t, `{"skin_type":"dry"}`, string(got.Result))

				_, err = b.Cancel(ctx, uuid.New())
				assert.ErrorIs(t, err, domain.ErrJobNotFound)
			})

			t.Run("clean removes finished records and leaves the rest", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				now := time.Now()

				var finished []uuid.UUID
				for i := 0; i < 2; i++ {
					require.NoError(t, b.Enqueue(ctx, newBackendJob(t, 0, now)))
					got, err := b.Dequeue(ctx, qt, now.Add(time.Minute))
					require.NoError(t, err)
					if i == 0 {
						got.Complete(nil, now)
					} else {
						got.Fail(assert.AnError, now)
					}
					require.NoError(t, b.Finish(ctx, got, 10))
					finished = append(finished, got.ID)
				}
				waiting := newBackendJob(t, 0, now)
				require.NoError(t, b.Enqueue(ctx, waiting))

				n, err := b.Clean(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				for _, id := range finished {
					_, err := b.Get(ctx, id)
					assert.ErrorIs(t, err, domain.ErrJobNotFound)
				}
				_, err = b.Get(ctx, waiting.ID)
				assert.NoError(t, err)

				counts, err := b.Counts(ctx, qt)
				require.NoError(t, err)
				assert.Equal(t, int64(1), counts.Waiting)
				assert.Zero(t, counts.Completed+counts.Failed)
			})
		})
	}
}
