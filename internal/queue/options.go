package queue

import (
	"time"

	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/retry"
)

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	delay       time.Duration
	maxAttempts int
	batchSize   int
}

// WithDelay overrides the queue's default delay for this job.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue's attempt limit for this job.
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) { o.maxAttempts = n }
}

// WithBatchSize sets how many items of a batch run concurrently. It only
// affects SubmitBatch.
func WithBatchSize(n int) SubmitOption {
	return func(o *submitOptions) { o.batchSize = n }
}

// HandlerOption adjusts how a registered handler is invoked.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	cacheType   domain.CacheType
	breakerName string
	policy      *retry.Policy
}

// WithCacheType memoizes handler results under ct, keyed by the payload.
func WithCacheType(ct domain.CacheType) HandlerOption {
	return func(o *handlerOptions) { o.cacheType = ct }
}

// WithBreaker guards handler calls with the named circuit breaker.
func WithBreaker(name string) HandlerOption {
	return func(o *handlerOptions) { o.breakerName = name }
}

// WithRetryPolicy retries each handler call under p before the job's own
// attempt accounting applies.
func WithRetryPolicy(p retry.Policy) HandlerOption {
	return func(o *handlerOptions) { o.policy = &p }
}
