package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aiq:"

// dequeueScript pops the head of the waiting list into the active lease set
// unless the queue is paused.
//
// KEYS: waiting, active, paused. ARGV: lease deadline (unix ms).
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// finishScript moves an active job to a finished list and evicts records
// beyond the retention limit. Returns -1 when the job was not active.
//
// KEYS: active, finished list, job key. ARGV: id, record, retain, job key prefix.
var finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('SET', KEYS[3], ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
local retain = tonumber(ARGV[3])
local evicted = redis.call('LRANGE', KEYS[2], retain, -1)
for _, old in ipairs(evicted) do
  redis.call('DEL', ARGV[4] .. old, ARGV[4] .. old .. ':cancelled')
end
if retain == 0 then
  redis.call('DEL', KEYS[2])
else
  redis.call('LTRIM', KEYS[2], 0, retain - 1)
end
return #evicted
`)

// requeueScript returns an active job to waiting, or to delayed when a run
// time is given. Returns 0 when the job was not active.
//
// KEYS: active, waiting, delayed, job key. ARGV: id, record, run at (unix ms, 0 for now).
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[4], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// cancelScript flags a job that has not finished. The flag lives in its own
// key so that whole-record writes by workers cannot erase it.
// Returns -1 for an unknown job, 1 when the flag was set, 0 otherwise.
//
// KEYS: job key, cancel flag key.
var cancelScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return -1
end
local status = cjson.decode(data)['status']
if status == 'completed' or status == 'failed' then
  return 0
end
if redis.call('SET', KEYS[2], '1', 'NX') then
  return 1
end
return 0
`)

// cleanScript deletes every finished record of a queue in one step.
//
// KEYS: finished lists. ARGV: job key prefix.
var cleanScript = redis.NewScript(`
local removed = 0
for _, list in ipairs(KEYS) do
  local ids = redis.call('LRANGE', list, 0, -1)
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[1] .. id, ARGV[1] .. id .. ':cancelled')
  end
  redis.call('DEL', list)
  removed = removed + #ids
end
return removed
`)

// redisBackend keeps jobs in Redis so they survive restarts and can be
// worked by several processes at once.
type redisBackend struct {
	rdb redis.UniversalClient
}

func newRedisBackend(rdb redis.UniversalClient) *redisBackend {
	return &redisBackend{rdb: rdb}
}

func (b *redisBackend) Name() string { return "redis" }

func jobKey(id uuid.UUID) string {
	return keyPrefix + "job:" + id.String()
}

func cancelKey(id uuid.UUID) string {
	return jobKey(id) + ":cancelled"
}

func queueKey(qt domain.QueueType, state string) string {
	return keyPrefix + string(qt) + ":" + state
}

func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func (b *redisBackend) Enqueue(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		if job.Status == domain.JobStatusDelayed {
			pipe.ZAdd(ctx, queueKey(job.QueueType, "delayed"), redis.Z{
				Score:  float64(unixMilli(job.RunAt)),
				Member: job.ID.String(),
			})
		} else {
			pipe.RPush(ctx, queueKey(job.QueueType, "waiting"), job.ID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) Dequeue(ctx context.Context, qt domain.QueueType, leaseUntil time.Time) (*domain.Job, error) {
	keys := []string{queueKey(qt, "waiting"), queueKey(qt, "active"), queueKey(qt, "paused")}
	id, err := dequeueScript.Run(ctx, b.rdb, keys, unixMilli(leaseUntil)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", qt, err)
	}

	jobID, err := uuid.Parse(id)
	if err != nil {
		b.rdb.ZRem(ctx, queueKey(qt, "active"), id)
		return nil, fmt.Errorf("corrupt job id %q in %s: %w", id, qt, err)
	}

	job, err := b.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			b.rdb.ZRem(ctx, queueKey(qt, "active"), id)
		}
		return nil, err
	}
	return job, nil
}

func (b *redisBackend) Heartbeat(ctx context.Context, qt domain.QueueType, id uuid.UUID, leaseUntil time.Time) error {
	changed, err := b.rdb.ZAddArgs(ctx, queueKey(qt, "active"), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(unixMilli(leaseUntil)), Member: id.String()}},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lease for job %s: %w", id, err)
	}
	if changed == 0 {
		// an unchanged score is indistinguishable from a missing member
		if _, err := b.rdb.ZScore(ctx, queueKey(qt, "active"), id.String()).Result(); errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
	}
	return nil
}

func (b *redisBackend) Finish(ctx context.Context, job *domain.Job, retain int) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	list := "completed"
	if job.Status == domain.JobStatusFailed {
		list = "failed"
	}
	keys := []string{queueKey(job.QueueType, "active"), queueKey(job.QueueType, list), jobKey(job.ID)}

	evicted, err := finishScript.Run(ctx, b.rdb, keys, job.ID.String(), data, retain, keyPrefix+"job:").Int()
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}
	if evicted < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *redisBackend) Requeue(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	var runAt int64
	if job.Status == domain.JobStatusDelayed {
		runAt = unixMilli(job.RunAt)
	}
	keys := []string{
		queueKey(job.QueueType, "active"),
		queueKey(job.QueueType, "waiting"),
		queueKey(job.QueueType, "delayed"),
		jobKey(job.ID),
	}

	moved, err := requeueScript.Run(ctx, b.rdb, keys, job.ID.String(), data, runAt).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	if moved == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *redisBackend) PromoteDelayed(ctx context.Context, qt domain.QueueType, now time.Time) (int, error) {
	delayedKey := queueKey(qt, "delayed")
	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(unixMilli(now), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs of %s: %w", qt, err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		if jobID, err := uuid.Parse(id); err == nil {
			if job, err := b.Get(ctx, jobID); err == nil {
				job.Status = domain.JobStatusWaiting
				if err := b.Update(ctx, job); err != nil {
					return promoted, err
				}
			}
		}

		if err := b.rdb.RPush(ctx, queueKey(qt, "waiting"), id).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

func (b *redisBackend) Expired(ctx context.Context, qt domain.QueueType, now time.Time) ([]*domain.Job, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, queueKey(qt, "active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(unixMilli(now), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active jobs of %s: %w", qt, err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		jobID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		job, err := b.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				b.rdb.ZRem(ctx, queueKey(qt, "active"), id)
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *redisBackend) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	vals, err := b.rdb.MGet(ctx, jobKey(id), cancelKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	if vals[1] != nil {
		job.Cancelled = true
	}
	return &job, nil
}

func (b *redisBackend) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := cancelScript.Run(ctx, b.rdb, []string{jobKey(id), cancelKey(id)}).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	if res < 0 {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return res == 1, nil
}

func (b *redisBackend) Update(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	err = b.rdb.SetArgs(ctx, jobKey(job.ID), data, redis.SetArgs{Mode: "XX"}).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) Counts(ctx context.Context, qt domain.QueueType) (Counts, error) {
	var (
		waiting, completed, failed *redis.IntCmd
		active, delayed            *redis.IntCmd
		paused                     *redis.IntCmd
	)
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, queueKey(qt, "waiting"))
		active = pipe.ZCard(ctx, queueKey(qt, "active"))
		completed = pipe.LLen(ctx, queueKey(qt, "completed"))
		failed = pipe.LLen(ctx, queueKey(qt, "failed"))
		delayed = pipe.ZCard(ctx, queueKey(qt, "delayed"))
		paused = pipe.Exists(ctx, queueKey(qt, "paused"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs of %s: %w", qt, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

func (b *redisBackend) SetPaused(ctx context.Context, qt domain.QueueType, paused bool) error {
	var err error
	if paused {
		err = b.rdb.Set(ctx, queueKey(qt, "paused"), "1", 0).Err()
	} else {
		err = b.rdb.Del(ctx, queueKey(qt, "paused")).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set paused=%t on %s: %w", paused, qt, err)
	}
	return nil
}

func (b *redisBackend) Clean(ctx context.Context, qt domain.QueueType) (int, error) {
	keys := []string{queueKey(qt, "completed"), queueKey(qt, "failed")}
	n, err := cleanScript.Run(ctx, b.rdb, keys, keyPrefix+"job:").Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean finished jobs of %s: %w", qt, err)
	}
	return n, nil
}
